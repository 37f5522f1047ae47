// Package master holds the master-side helper for driving a worker: launch
// one over a socketpair, submit commands, and collect result frames. The
// worker trusts whoever is on the other end of its socket; this package is
// that other end for the CLI harness and the tests.
package master

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/execd/execd/kvwire"
)

// Result is one decoded response or error frame.
type Result struct {
	// KV is the full response vector, order preserved.
	KV kvwire.KV

	JobID      uint64
	ExitedOK   bool
	WaitStatus int
	ErrorCode  int
	ErrorMsg   string
	Runtime    float64
	Stdout     []byte
	Stderr     []byte
}

// ExitStatus decodes the child's exit code from the raw wait status.
func (r *Result) ExitStatus() int {
	return unix.WaitStatus(r.WaitStatus).ExitStatus()
}

// Err reports whether this frame was an error_msg frame.
func (r *Result) Err() bool { return r.ErrorMsg != "" }

// Session is one master end of a worker control socket.
type Session struct {
	f   *os.File
	dec *kvwire.Decoder
	buf []byte
	cmd *exec.Cmd

	// OnLog receives the worker's log frames; nil drops them.
	OnLog func(string)
}

// Launch starts the worker binary with one end of a fresh socketpair on fd 3
// and returns the session wrapping the other end.
func Launch(bin string, extraArgs ...string) (*Session, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "worker-control")
	child := os.NewFile(uintptr(fds[1]), "worker-control-child")

	args := append([]string{"run", "--fd", "3"}, extraArgs...)
	cmd := exec.Command(bin, args...)
	cmd.ExtraFiles = []*os.File{child}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	child.Close()

	return Connect(parent, cmd), nil
}

// Connect wraps an already-connected control socket. cmd may be nil for
// in-process workers.
func Connect(f *os.File, cmd *exec.Cmd) *Session {
	return &Session{
		f:   f,
		dec: kvwire.NewDecoder(64 << 10),
		buf: make([]byte, 64<<10),
		cmd: cmd,
	}
}

// Submit sends one command request. A zero timeout leaves the worker's
// default in force. extra pairs are carried through and echoed back.
func (s *Session) Submit(jobID uint64, command string, timeout time.Duration, extra kvwire.KV) error {
	kv := kvwire.KV{}.
		Set("job_id", strconv.FormatUint(jobID, 10)).
		Set("command", command)
	if timeout > 0 {
		kv = kv.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	}
	kv = append(kv, extra...)
	_, err := s.f.Write(kvwire.Encode(kv))
	return err
}

// SubmitRaw writes pre-encoded frame bytes, for callers that build their own
// request vectors.
func (s *Session) SubmitRaw(frame []byte) error {
	_, err := s.f.Write(frame)
	return err
}

// Next blocks for the next response or error frame. Log frames are routed to
// OnLog and skipped. Returns an error when the worker closes the socket.
func (s *Session) Next() (*Result, error) {
	for {
		if kv, ok := s.dec.Next(); ok {
			if msg, isLog := logFrame(kv); isLog {
				if s.OnLog != nil {
					s.OnLog(msg)
				}
				continue
			}
			return parseResult(kv), nil
		}
		n, err := s.f.Read(s.buf)
		if n > 0 {
			s.dec.Feed(s.buf[:n])
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close drops the control socket. A launched worker sees the disconnect,
// kills its children, and exits; Close waits for it.
func (s *Session) Close() error {
	err := s.f.Close()
	if s.cmd != nil {
		s.cmd.Wait()
	}
	return err
}

func logFrame(kv kvwire.KV) (string, bool) {
	if len(kv) == 1 && string(kv[0].Key) == "log" {
		return string(kv[0].Value), true
	}
	return "", false
}

func parseResult(kv kvwire.KV) *Result {
	r := &Result{KV: kv}
	if v, ok := kv.Get("job_id"); ok {
		r.JobID, _ = strconv.ParseUint(string(v), 10, 64)
	}
	if v, ok := kv.Get("exited_ok"); ok {
		r.ExitedOK = string(v) == "1"
	}
	if v, ok := kv.Get("wait_status"); ok {
		r.WaitStatus, _ = strconv.Atoi(string(v))
	}
	if v, ok := kv.Get("error_code"); ok {
		r.ErrorCode, _ = strconv.Atoi(string(v))
	}
	if v, ok := kv.Get("error_msg"); ok {
		r.ErrorMsg = string(v)
	}
	if v, ok := kv.Get("runtime"); ok {
		r.Runtime, _ = strconv.ParseFloat(string(v), 64)
	}
	if v, ok := kv.Get("outstd"); ok {
		r.Stdout = v
	}
	if v, ok := kv.Get("outerr"); ok {
		r.Stderr = v
	}
	return r
}
