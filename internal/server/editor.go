package server

import (
	"fmt"

	"github.com/standardbeagle/codeintd/internal/debug"
	"github.com/standardbeagle/codeintd/internal/indexing"
)

// Editor-side commands
const (
	methodCommand = "vim_command"
	methodAPIInfo = "vim_get_api_info"

	progressOpen    = `let g:pb = vim#widgets#progressbar#NewSimpleProgressBar("Indexing:", %d)`
	progressIncr    = "call g:pb.incr()"
	progressRestore = "call g:pb.restore()"
)

// notifier sends a fire-and-forget call to the editor
type notifier interface {
	Notify(method string, params ...interface{}) error
}

// editorProgress drives the editor's progress bar during a build. Send
// failures are logged and otherwise ignored: the bar is cosmetic and a
// broken channel is picked up by the receive loop.
type editorProgress struct {
	editor notifier
}

var _ indexing.Progress = (*editorProgress)(nil)

func (p *editorProgress) Open(total int) {
	p.command(fmt.Sprintf(progressOpen, total))
}

func (p *editorProgress) Incr() {
	p.command(progressIncr)
}

func (p *editorProgress) Close() {
	p.command(progressRestore)
}

func (p *editorProgress) command(cmd string) {
	if err := p.editor.Notify(methodCommand, cmd); err != nil {
		debug.Log("EDITOR", "progress command %q: %v\n", cmd, err)
	}
}

// progress returns the build progress sink for the current config
func (s *Server) progress() indexing.Progress {
	if !s.cfg.Editor.Progress {
		return indexing.NopProgress{}
	}
	return &editorProgress{editor: s.dispatcher}
}

// announceChannel asks the editor for its api info and stores the channel
// id found in the reply in the configured editor variable
func (s *Server) announceChannel() {
	if !s.cfg.Editor.AnnounceChannel {
		return
	}
	_, err := s.dispatcher.Call(methodAPIInfo, nil, func(errValue, result interface{}) {
		if errValue != nil {
			debug.Info("EDITOR", "%s failed: %v\n", methodAPIInfo, errValue)
			return
		}
		id, ok := channelID(result)
		if !ok {
			debug.Info("EDITOR", "%s returned no channel id: %v\n", methodAPIInfo, result)
			return
		}
		cmd := fmt.Sprintf("let %s = %v", s.cfg.Editor.ChannelVar, id)
		if err := s.dispatcher.Notify(methodCommand, cmd); err != nil {
			debug.Log("EDITOR", "announce channel: %v\n", err)
		}
	})
	if err != nil {
		debug.Log("EDITOR", "%s: %v\n", methodAPIInfo, err)
	}
}

// channelID extracts the first element of a vim_get_api_info reply
func channelID(result interface{}) (interface{}, bool) {
	list, ok := result.([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	switch id := list[0].(type) {
	case int64, uint64:
		return id, true
	}
	return nil, false
}
