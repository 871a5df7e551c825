// Package msgrpc implements the msgpack-rpc wire format spoken with the editor:
// requests [0, id, method, params], responses [1, id, error, result] and
// notifications [2, method, params].
package msgrpc

import "fmt"

// Kind is the leading type tag of every frame
type Kind int

const (
	KindRequest      Kind = 0
	KindResponse     Kind = 1
	KindNotification Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one of *Request, *Response or *Notification
type Message interface {
	Kind() Kind
}

// Request expects exactly one Response carrying the same ID
type Request struct {
	ID     uint64
	Method string
	Params []interface{}
}

func (*Request) Kind() Kind { return KindRequest }

func (r *Request) String() string {
	return fmt.Sprintf("[0, %d, %q, %v]", r.ID, r.Method, r.Params)
}

// Response answers the Request with the same ID. Error is nil on success.
type Response struct {
	ID     uint64
	Error  interface{}
	Result interface{}
}

func (*Response) Kind() Kind { return KindResponse }

func (r *Response) String() string {
	return fmt.Sprintf("[1, %d, %v, %v]", r.ID, r.Error, r.Result)
}

// Notification is fire-and-forget; nothing is ever sent back
type Notification struct {
	Method string
	Params []interface{}
}

func (*Notification) Kind() Kind { return KindNotification }

func (n *Notification) String() string {
	return fmt.Sprintf("[2, %q, %v]", n.Method, n.Params)
}
