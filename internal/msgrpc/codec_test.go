package msgrpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/standardbeagle/codeintd/internal/errors"
)

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	require.NoError(t, err)
	return b
}

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "request",
			msg:  &Request{ID: 7, Method: "ls", Params: []interface{}{"App\\Base", true}},
		},
		{
			name: "request without params",
			msg:  &Request{ID: 1, Method: "index", Params: []interface{}{}},
		},
		{
			name: "response with result",
			msg:  &Response{ID: 7, Error: nil, Result: []interface{}{"App\\Impl"}},
		},
		{
			name: "response with error",
			msg:  &Response{ID: 3, Error: "method not exists", Result: nil},
		},
		{
			name: "notification",
			msg:  &Notification{Method: "vim_command", Params: []interface{}{"call g:pb.incr()"}},
		},
		{
			name: "large id",
			msg:  &Request{ID: 1 << 40, Method: "version", Params: []interface{}{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(mustEncode(t, tt.msg))
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestCodec_NilParamsDecodeAsEmptyList(t *testing.T) {
	// [0, 5, "index", nil]
	frame := []byte{0x94, 0x00, 0x05, 0xa5, 'i', 'n', 'd', 'e', 'x', 0xc0}
	msg, err := Decode(frame)
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, uint64(5), req.ID)
	assert.Equal(t, "index", req.Method)
	assert.NotNil(t, req.Params)
	assert.Empty(t, req.Params)
}

func TestCodec_BinaryMethodName(t *testing.T) {
	// [2, bin("ls"), []]
	frame := []byte{0x93, 0x02, 0xc4, 0x02, 'l', 's', 0x90}
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, &Notification{Method: "ls", Params: []interface{}{}}, msg)
}

func TestDecoder_ChunkedFeed(t *testing.T) {
	first := mustEncode(t, &Request{ID: 1, Method: "ls", Params: []interface{}{"Foo"}})
	second := mustEncode(t, &Notification{Method: "update", Params: []interface{}{"Bar"}})
	stream := append(append([]byte{}, first...), second...)

	d := NewDecoder()
	var got []Message
	for _, b := range stream {
		d.Feed([]byte{b})
		for {
			msg, err := d.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			got = append(got, msg)
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, &Request{ID: 1, Method: "ls", Params: []interface{}{"Foo"}}, got[0])
	assert.Equal(t, &Notification{Method: "update", Params: []interface{}{"Bar"}}, got[1])
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoder_TwoFramesInOneRead(t *testing.T) {
	d := NewDecoder()
	d.Feed(mustEncode(t, &Response{ID: 2, Result: "ok"}))
	d.Feed(mustEncode(t, &Response{ID: 3, Result: "ok"}))

	m1, err := d.Next()
	require.NoError(t, err)
	m2, err := d.Next()
	require.NoError(t, err)
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)

	assert.Equal(t, uint64(2), m1.(*Response).ID)
	assert.Equal(t, uint64(3), m2.(*Response).ID)
}

func TestDecoder_IncompleteConsumesNothing(t *testing.T) {
	frame := mustEncode(t, &Request{ID: 9, Method: "info", Params: []interface{}{"App\\Impl"}})

	for cut := 1; cut < len(frame); cut++ {
		d := NewDecoder()
		d.Feed(frame[:cut])
		_, err := d.Next()
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", cut)
		assert.Equal(t, cut, d.Buffered())

		d.Feed(frame[cut:])
		msg, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(9), msg.(*Request).ID)
	}
}

func TestDecoder_EmptyBuffer(t *testing.T) {
	_, err := NewDecoder().Next()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecoder_CorruptFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"not an array", []byte{0xa2, 'h', 'i'}},
		{"reserved byte", []byte{0xc1}},
		{"empty array", []byte{0x90}},
		{"unknown type tag", []byte{0x93, 0x07, 0xa1, 'x', 0x90}},
		{"request arity", []byte{0x93, 0x00, 0x01, 0xa1, 'x'}},
		{"notification arity", []byte{0x94, 0x02, 0xa1, 'x', 0x90, 0xc0}},
		{"negative id", []byte{0x94, 0x00, 0xff, 0xa1, 'x', 0x90}},
		{"method not a string", []byte{0x94, 0x00, 0x01, 0x05, 0x90}},
		{"params not an array", []byte{0x94, 0x00, 0x01, 0xa1, 'x', 0x05}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			d.Feed(tt.frame)
			_, err := d.Next()
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrIncomplete)

			var perr *cierrors.ProtocolError
			assert.True(t, errors.As(err, &perr), "want ProtocolError, got %T", err)
		})
	}
}

func TestDecoder_ProtocolErrorOffset(t *testing.T) {
	good := mustEncode(t, &Notification{Method: "x", Params: []interface{}{}})
	d := NewDecoder()
	d.Feed(good)
	d.Feed([]byte{0xc1})

	_, err := d.Next()
	require.NoError(t, err)
	_, err = d.Next()

	var perr *cierrors.ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, len(good), perr.Offset)
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x94, 0x00})
	d.Reset()
	assert.Equal(t, 0, d.Buffered())

	d.Feed(mustEncode(t, &Request{ID: 4, Method: "ls", Params: []interface{}{}}))
	msg, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), msg.(*Request).ID)
}

func TestEncode_ErrorValueBecomesString(t *testing.T) {
	b := mustEncode(t, &Response{ID: 1, Error: errors.New("boom")})
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "boom", msg.(*Response).Error)
}

func TestEncode_StringSlice(t *testing.T) {
	b := mustEncode(t, &Response{ID: 1, Result: []string{"A", "B"}})
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"A", "B"}, msg.(*Response).Result)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "notification", KindNotification.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
