// Package kvwire implements the framed key=value protocol spoken between a
// worker and its master over the control socket.
//
// A frame is a sequence of key=value pairs, each terminated by a single NUL
// byte, followed by the three-byte frame delimiter 0x01 0x00 0x00. Keys need
// not be unique and order is preserved. Values may contain '=' but never NUL.
package kvwire

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"
)

// FrameDelimiter terminates every frame on the wire.
var FrameDelimiter = []byte{0x01, 0x00, 0x00}

// ErrBrokenPipe is returned by SendKV when the peer is gone. The worker
// treats it as fatal.
var ErrBrokenPipe = errors.New("kvwire: broken pipe")

// Pair is a single key=value element of a frame.
type Pair struct {
	Key   []byte
	Value []byte
}

// KV is an ordered key-value vector, one decoded frame.
type KV []Pair

// Get returns the value of the first pair with the given key.
func (kv KV) Get(key string) ([]byte, bool) {
	for _, p := range kv {
		if string(p.Key) == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Set appends a pair with a string value.
func (kv KV) Set(key, value string) KV {
	return append(kv, Pair{Key: []byte(key), Value: []byte(value)})
}

// SetBytes appends a pair with a binary value.
func (kv KV) SetBytes(key string, value []byte) KV {
	return append(kv, Pair{Key: []byte(key), Value: value})
}

// Encode serializes kv and appends the frame delimiter.
func Encode(kv KV) []byte {
	n := len(FrameDelimiter)
	for _, p := range kv {
		n += len(p.Key) + 1 + len(p.Value) + 1
	}
	out := make([]byte, 0, n)
	for _, p := range kv {
		out = append(out, p.Key...)
		out = append(out, '=')
		out = append(out, p.Value...)
		out = append(out, 0)
	}
	return append(out, FrameDelimiter...)
}

// Decoder assembles frames from a byte stream. Partial trailing bytes are
// retained across Feed calls.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns a Decoder with the given initial buffer capacity.
func NewDecoder(capacity int) *Decoder {
	return &Decoder{buf: make([]byte, 0, capacity)}
}

// Feed appends raw bytes read from the socket. Consumed frames are discarded
// from the front of the buffer.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		d.buf = d.buf[:copy(d.buf, d.buf[d.off:])]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered reports the number of bytes not yet consumed as complete frames.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// NextFrame extracts the next complete frame, without the delimiter. The
// returned slice aliases the internal buffer and is only valid until the next
// Feed call.
func (d *Decoder) NextFrame() ([]byte, bool) {
	i := bytes.Index(d.buf[d.off:], FrameDelimiter)
	if i < 0 {
		return nil, false
	}
	frame := d.buf[d.off : d.off+i]
	d.off += i + len(FrameDelimiter)
	return frame, true
}

// Next decodes the next complete frame into a KV vector. All bytes are copied
// out so the caller may hold the result across further reads. A pair with no
// '=' decodes as a key with an empty value; malformed input is never
// rejected.
func (d *Decoder) Next() (KV, bool) {
	frame, ok := d.NextFrame()
	if !ok {
		return nil, false
	}
	return DecodeFrame(frame), true
}

// DecodeFrame parses one delimiter-stripped frame. The result does not alias
// the input.
func DecodeFrame(frame []byte) KV {
	var kv KV
	for len(frame) > 0 {
		var seg []byte
		if i := bytes.IndexByte(frame, 0); i >= 0 {
			seg, frame = frame[:i], frame[i+1:]
		} else {
			seg, frame = frame, nil
		}
		if len(seg) == 0 {
			continue
		}
		var p Pair
		if i := bytes.IndexByte(seg, '='); i >= 0 {
			p.Key = append([]byte(nil), seg[:i]...)
			p.Value = append([]byte{}, seg[i+1:]...)
		} else {
			p.Key = append([]byte(nil), seg...)
			p.Value = []byte{}
		}
		kv = append(kv, p)
	}
	return kv
}

// SendKV encodes kv and writes the frame to fd in a single write. Short
// writes are not retried; the socket's send buffer is the bound. EPIPE and
// ECONNRESET map to ErrBrokenPipe.
func SendKV(fd int, kv KV) error {
	buf := Encode(kv)
	for {
		_, err := unix.Write(fd, buf)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EPIPE, unix.ECONNRESET:
			return ErrBrokenPipe
		default:
			return err
		}
	}
}

// SendLog emits a single-pair log frame, the worker's only diagnostic path
// visible to the master.
func SendLog(fd int, msg string) error {
	return SendKV(fd, KV{}.Set("log", msg))
}

// SendError emits an error_msg frame, tagged with the job id when one is
// known.
func SendError(fd int, jobID string, msg string) error {
	var kv KV
	if jobID != "" {
		kv = kv.Set("job_id", jobID)
	}
	return SendKV(fd, kv.Set("error_msg", msg))
}
