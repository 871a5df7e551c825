package transport

import (
	"fmt"
	"strings"
	"time"
)

// Parse turns a transport selector into a Dialer:
//
//	stdio                standard input/output
//	socket               unix socket at DefaultSocketPath(root)
//	unix:/path/to.sock   unix socket
//	/path/to.sock        unix socket
//	tcp:host:port        tcp
//	ws://host/path       websocket (wss:// too)
func Parse(selector, root string, timeout time.Duration) (Dialer, error) {
	s := strings.TrimSpace(selector)
	switch {
	case s == "" || s == "stdio":
		return NewProcessStdio(), nil
	case s == "socket":
		return NewUnixDialer(DefaultSocketPath(root), timeout), nil
	case strings.HasPrefix(s, "unix:"):
		path := strings.TrimPrefix(s, "unix:")
		if path == "" {
			return nil, fmt.Errorf("empty unix socket path in selector %q", selector)
		}
		return NewUnixDialer(path, timeout), nil
	case strings.HasPrefix(s, "tcp:"):
		addr := strings.TrimPrefix(s, "tcp:")
		if !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("tcp selector %q needs host:port", selector)
		}
		return NewTCPDialer(addr, timeout), nil
	case strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://"):
		return NewWebsocketDialer(s, timeout), nil
	case strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasSuffix(s, ".sock"):
		return NewUnixDialer(s, timeout), nil
	}
	return nil, fmt.Errorf("unknown transport selector %q", selector)
}
