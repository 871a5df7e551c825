package server

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the reply to the status method
type Status struct {
	Ready          bool    // Index layout exists
	IndexingActive bool    // A build is running
	Classes        int     // Entries in the class map
	Generation     int     // Worker lineages started
	Restarts       int     // Lineages replaced after a handler crash
	Pending        int     // Calls to the editor still awaiting a reply
	Uptime         float64 // Seconds since the server started
	LastBuild      string  // Summary of the most recent build
	Error          string  // Error from the most recent build
	Failures       []string
}

// Value renders the status as the map sent over the wire
func (s Status) Value() map[string]interface{} {
	v := map[string]interface{}{
		"ready":           s.Ready,
		"indexing_active": s.IndexingActive,
		"classes":         int64(s.Classes),
		"generation":      int64(s.Generation),
		"restarts":        int64(s.Restarts),
		"pending":         int64(s.Pending),
		"uptime_seconds":  s.Uptime,
		"last_build":      s.LastBuild,
	}
	if s.Error != "" {
		v["error"] = s.Error
	}
	if len(s.Failures) > 0 {
		failures := make([]interface{}, len(s.Failures))
		for i, f := range s.Failures {
			failures[i] = f
		}
		v["failures"] = failures
	}
	return v
}

// Positional parameters arrive as decoded msgpack values. Editors send
// booleans as either bool or 0/1 and strings as str or bin, so the helpers
// below accept every encoding a peer is likely to use.

// stringParam returns params[i] as a string, or def when it is absent or nil
func stringParam(params []interface{}, i int, def string) (string, error) {
	if i >= len(params) || params[i] == nil {
		return def, nil
	}
	switch v := params[i].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	}
	return "", fmt.Errorf("argument %d: expected string, got %T", i+1, params[i])
}

// boolParam returns params[i] as a bool, or def when it is absent or nil
func boolParam(params []interface{}, i int, def bool) (bool, error) {
	if i >= len(params) || params[i] == nil {
		return def, nil
	}
	switch v := params[i].(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case uint64:
		return v != 0, nil
	case string:
		return parseBoolString(v, i)
	case []byte:
		return parseBoolString(string(v), i)
	}
	return false, fmt.Errorf("argument %d: expected bool, got %T", i+1, params[i])
}

func parseBoolString(s string, i int) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "v:false":
		return false, nil
	case "1", "true", "yes", "v:true":
		return true, nil
	}
	return false, fmt.Errorf("argument %d: expected bool, got %q", i+1, s)
}

// requireString is stringParam for a mandatory argument
func requireString(params []interface{}, i int, name string) (string, error) {
	if i >= len(params) || params[i] == nil {
		return "", fmt.Errorf("missing argument %d (%s)", i+1, name)
	}
	return stringParam(params, i, "")
}
