package msgrpc

import (
	"errors"
	"fmt"

	"github.com/tinylib/msgp/msgp"

	cierrors "github.com/standardbeagle/codeintd/internal/errors"
)

// ErrIncomplete means the buffer does not yet hold a whole frame.
// Nothing was consumed; feed more bytes and call Next again.
var ErrIncomplete = errors.New("msgrpc: incomplete frame")

// Decoder turns an arbitrarily chunked byte stream into messages
type Decoder struct {
	buf      []byte
	consumed int // total bytes consumed, for error offsets
}

// NewDecoder creates an empty streaming decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are held
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.consumed = 0
}

// Next decodes exactly one message from the front of the buffer.
// It returns ErrIncomplete when more input is needed and a
// *errors.ProtocolError when the stream can never decode.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) == 0 {
		return nil, ErrIncomplete
	}

	msg, rest, err := decodeFrame(d.buf)
	if err != nil {
		if isShort(err) {
			return nil, ErrIncomplete
		}
		var perr *cierrors.ProtocolError
		if errors.As(err, &perr) {
			perr.Offset += d.consumed
			return nil, perr
		}
		return nil, cierrors.NewProtocolError(err.Error(), d.consumed)
	}

	n := len(d.buf) - len(rest)
	d.consumed += n
	d.buf = append(d.buf[:0], rest...)
	return msg, nil
}

// Decode parses a single complete frame, mainly for tests and tools
func Decode(b []byte) (Message, error) {
	msg, rest, err := decodeFrame(b)
	if err != nil {
		if isShort(err) {
			return nil, ErrIncomplete
		}
		return nil, err
	}
	if len(rest) != 0 {
		return nil, cierrors.NewProtocolError(fmt.Sprintf("%d trailing bytes", len(rest)), len(b)-len(rest))
	}
	return msg, nil
}

func isShort(err error) bool {
	return errors.Is(err, msgp.ErrShortBytes) || msgp.Cause(err) == msgp.ErrShortBytes
}

func decodeFrame(b []byte) (Message, []byte, error) {
	size, rest, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		if isShort(err) {
			return nil, b, err
		}
		return nil, b, cierrors.NewProtocolError("frame is not an array: "+err.Error(), 0)
	}
	if size == 0 {
		return nil, b, cierrors.NewProtocolError("empty frame", 0)
	}

	// Every element is read before validating so a truncated frame is
	// reported as incomplete rather than malformed.
	elems := make([]interface{}, size)
	for i := range elems {
		elems[i], rest, err = msgp.ReadIntfBytes(rest)
		if err != nil {
			if isShort(err) {
				return nil, b, err
			}
			return nil, b, cierrors.NewProtocolError(fmt.Sprintf("element %d: %v", i, err), len(b)-len(rest))
		}
	}

	tag, ok := toUint(elems[0])
	if !ok {
		return nil, b, cierrors.NewProtocolError(fmt.Sprintf("message type %v is not an integer", elems[0]), 0)
	}

	switch Kind(tag) {
	case KindRequest:
		if size != 4 {
			return nil, b, arity(KindRequest, 4, size)
		}
		id, ok := toUint(elems[1])
		if !ok {
			return nil, b, cierrors.NewProtocolError(fmt.Sprintf("request id %v is not an unsigned integer", elems[1]), 0)
		}
		method, ok := toString(elems[2])
		if !ok {
			return nil, b, cierrors.NewProtocolError(fmt.Sprintf("request method %v is not a string", elems[2]), 0)
		}
		params, ok := toParams(elems[3])
		if !ok {
			return nil, b, cierrors.NewProtocolError("request params are not an array", 0)
		}
		return &Request{ID: id, Method: method, Params: params}, rest, nil

	case KindResponse:
		if size != 4 {
			return nil, b, arity(KindResponse, 4, size)
		}
		id, ok := toUint(elems[1])
		if !ok {
			return nil, b, cierrors.NewProtocolError(fmt.Sprintf("response id %v is not an unsigned integer", elems[1]), 0)
		}
		return &Response{ID: id, Error: normalizeString(elems[2]), Result: elems[3]}, rest, nil

	case KindNotification:
		if size != 3 {
			return nil, b, arity(KindNotification, 3, size)
		}
		method, ok := toString(elems[1])
		if !ok {
			return nil, b, cierrors.NewProtocolError(fmt.Sprintf("notification method %v is not a string", elems[1]), 0)
		}
		params, ok := toParams(elems[2])
		if !ok {
			return nil, b, cierrors.NewProtocolError("notification params are not an array", 0)
		}
		return &Notification{Method: method, Params: params}, rest, nil
	}

	return nil, b, cierrors.NewProtocolError(fmt.Sprintf("unknown message type %d", tag), 0)
}

func arity(k Kind, want int, got uint32) error {
	return cierrors.NewProtocolError(fmt.Sprintf("%s frame has %d elements, want %d", k, got, want), 0)
}

// Encode serializes m into a fresh buffer
func Encode(m Message) ([]byte, error) {
	return AppendMessage(nil, m)
}

// AppendMessage appends the wire form of m to b
func AppendMessage(b []byte, m Message) ([]byte, error) {
	var err error
	switch m := m.(type) {
	case *Request:
		b = msgp.AppendArrayHeader(b, 4)
		b = msgp.AppendInt(b, int(KindRequest))
		b = msgp.AppendUint64(b, m.ID)
		b = msgp.AppendString(b, m.Method)
		b, err = appendParams(b, m.Params)
	case *Response:
		b = msgp.AppendArrayHeader(b, 4)
		b = msgp.AppendInt(b, int(KindResponse))
		b = msgp.AppendUint64(b, m.ID)
		if b, err = appendValue(b, m.Error); err != nil {
			return nil, err
		}
		b, err = appendValue(b, m.Result)
	case *Notification:
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendInt(b, int(KindNotification))
		b = msgp.AppendString(b, m.Method)
		b, err = appendParams(b, m.Params)
	default:
		return nil, fmt.Errorf("msgrpc: cannot encode %T", m)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func appendParams(b []byte, params []interface{}) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, uint32(len(params)))
	var err error
	for _, p := range params {
		if b, err = appendValue(b, p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendValue(b []byte, v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case error:
		return msgp.AppendString(b, v.Error()), nil
	case []string:
		b = msgp.AppendArrayHeader(b, uint32(len(v)))
		for _, s := range v {
			b = msgp.AppendString(b, s)
		}
		return b, nil
	}
	out, err := msgp.AppendIntf(b, v)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: cannot encode value of type %T: %w", v, err)
	}
	return out, nil
}

func toUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}

// Some peers send strings as msgpack bin
func toString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func normalizeString(v interface{}) interface{} {
	if s, ok := v.([]byte); ok {
		return string(s)
	}
	return v
}

func toParams(v interface{}) ([]interface{}, bool) {
	switch p := v.(type) {
	case nil:
		return []interface{}{}, true
	case []interface{}:
		return p, true
	}
	return nil, false
}
