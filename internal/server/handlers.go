package server

import (
	"context"
	"errors"

	"github.com/standardbeagle/codeintd/internal/debug"
	"github.com/standardbeagle/codeintd/internal/introspect"
	"github.com/standardbeagle/codeintd/internal/version"
)

// registerHandlers binds every method the editor may call
func (s *Server) registerHandlers() {
	s.dispatcher.Register("index", s.handleIndex)
	s.dispatcher.Register("update", s.handleUpdate)
	s.dispatcher.Register("ls", s.handleList)
	s.dispatcher.Register("info", s.handleInfo)
	s.dispatcher.Register("location", s.handleLocation)
	s.dispatcher.Register("doc", s.handleDoc)
	s.dispatcher.Register("nsuse", s.handleNSUse)
	s.dispatcher.Register("functype", s.handleFuncType)
	s.dispatcher.Register("status", s.handleStatus)
	s.dispatcher.Register("stats", s.handleStats)
	s.dispatcher.Register("version", s.handleVersion)
	s.dispatcher.Register("ping", s.handlePing)
}

func isNotFound(err error) bool {
	return errors.Is(err, introspect.ErrNotFound)
}

// index runs a build with the editor progress bar, then tells the editor
// which channel to use
func (s *Server) index(ctx context.Context, force bool) error {
	res, err := s.project.Index(ctx, force, s.progress())
	if err != nil {
		return err
	}
	debug.LogIndexing("%s\n", buildSummary(res))
	s.announceChannel()
	return nil
}

// index(force = false)
func (s *Server) handleIndex(ctx context.Context, params []interface{}) (interface{}, error) {
	force, err := boolParam(params, 0, false)
	if err != nil {
		return nil, err
	}
	return nil, s.index(ctx, force)
}

// update(class)
func (s *Server) handleUpdate(ctx context.Context, params []interface{}) (interface{}, error) {
	class, err := requireString(params, 0, "class")
	if err != nil {
		return nil, err
	}
	if err := s.project.Update(ctx, class); err != nil {
		debug.Log("SERVER", "update %s: %v\n", class, err)
	}
	return nil, nil
}

// ls(name, isInterface = false)
func (s *Server) handleList(ctx context.Context, params []interface{}) (interface{}, error) {
	name, err := requireString(params, 0, "name")
	if err != nil {
		return nil, err
	}
	wantInterface, err := boolParam(params, 1, false)
	if err != nil {
		return nil, err
	}
	return s.project.List(name, wantInterface), nil
}

// info(class, pattern, static = "both", publicOnly = false)
func (s *Server) handleInfo(ctx context.Context, params []interface{}) (interface{}, error) {
	class, err := stringParam(params, 0, "")
	if err != nil {
		return nil, err
	}
	pattern, err := stringParam(params, 1, "")
	if err != nil {
		return nil, err
	}
	static, err := stringParam(params, 2, "both")
	if err != nil {
		return nil, err
	}
	publicOnly, err := boolParam(params, 3, false)
	if err != nil {
		return nil, err
	}

	out := []interface{}{}
	if class == "" {
		// Global function and constant completion is not offered
		return out, nil
	}
	items, err := s.project.Describer().Info(ctx, class, pattern, introspect.ParseStaticFilter(static), publicOnly)
	if err != nil {
		debug.Log("SERVER", "info %s: %v\n", class, err)
		return out, nil
	}
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out, nil
}

// location(class, member = "") -> [path, line], ["", nil] when unknown
func (s *Server) handleLocation(ctx context.Context, params []interface{}) (interface{}, error) {
	class, err := requireString(params, 0, "class")
	if err != nil {
		return nil, err
	}
	member, err := stringParam(params, 1, "")
	if err != nil {
		return nil, err
	}

	path, line, err := s.project.Describer().Location(ctx, class, member)
	if err != nil {
		debug.Log("SERVER", "location %s::%s: %v\n", class, member, err)
		return []interface{}{"", nil}, nil
	}
	return []interface{}{path, int64(line)}, nil
}

// doc(class, member) -> [path, doc], [nil, nil] when unknown
func (s *Server) handleDoc(ctx context.Context, params []interface{}) (interface{}, error) {
	class, err := requireString(params, 0, "class")
	if err != nil {
		return nil, err
	}
	member, err := requireString(params, 1, "member")
	if err != nil {
		return nil, err
	}

	path, doc, err := s.project.Describer().Doc(ctx, class, member)
	if err != nil {
		debug.Log("SERVER", "doc %s::%s: %v\n", class, member, err)
		return []interface{}{nil, nil}, nil
	}
	return []interface{}{path, doc}, nil
}

// nsuse(path) -> {namespace, imports, class}
func (s *Server) handleNSUse(ctx context.Context, params []interface{}) (interface{}, error) {
	path, err := requireString(params, 0, "path")
	if err != nil {
		return nil, err
	}

	use, err := s.project.Describer().NSUse(path)
	if err != nil {
		debug.Log("SERVER", "nsuse %s: %v\n", path, err)
		use = &introspect.NSUse{Imports: map[string]string{}}
	}
	return use.Value(), nil
}

// functype(class, member) -> fully qualified class types
func (s *Server) handleFuncType(ctx context.Context, params []interface{}) (interface{}, error) {
	class, err := requireString(params, 0, "class")
	if err != nil {
		return nil, err
	}
	member, err := requireString(params, 1, "member")
	if err != nil {
		return nil, err
	}

	types, err := s.project.Describer().FuncType(ctx, class, member)
	if err != nil {
		debug.Log("SERVER", "functype %s::%s: %v\n", class, member, err)
		return []string{}, nil
	}
	return types, nil
}

func (s *Server) handleStatus(ctx context.Context, params []interface{}) (interface{}, error) {
	return s.Status().Value(), nil
}

func (s *Server) handleStats(ctx context.Context, params []interface{}) (interface{}, error) {
	stats, err := s.project.Stats()
	if err != nil {
		debug.Log("SERVER", "stats: %v\n", err)
		return map[string]interface{}{}, nil
	}
	return stats.FormatAsJSON(), nil
}

func (s *Server) handleVersion(ctx context.Context, params []interface{}) (interface{}, error) {
	return version.Describe(), nil
}

func (s *Server) handlePing(ctx context.Context, params []interface{}) (interface{}, error) {
	return "pong", nil
}
