package worker

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/execd/execd/kvwire"
)

// jobState tracks whether a job's child is still expected to die normally.
type jobState int

const (
	// stateActive is the initial state: the child is running or dying on
	// schedule.
	stateActive jobState = iota
	// stateStale means the timeout response was already sent but the child
	// has not yet been reaped. Stale jobs stay resident until the kernel
	// gives them up.
	stateStale
)

// outStream is one captured output descriptor of a child. fd is -1 once
// closed; buf grows by append as readiness callbacks gather data.
type outStream struct {
	fd   int
	file *os.File
	buf  []byte
}

func (s *outStream) closeFD() {
	if s.fd < 0 {
		return
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	} else {
		unix.Close(s.fd)
	}
	s.fd = -1
}

// Job is one command-execution request and its bookkeeping. Jobs are owned by
// the worker's registry and touched only on the event-loop goroutine.
type Job struct {
	// ID is the master's job_id, echoed back verbatim; opaque here.
	ID uint64
	// Command is the textual command line handed to the spawn adapter.
	Command string
	// Timeout is how long the child may run before it is killed.
	Timeout time.Duration
	// Request is the full decoded request vector, echoed in the response
	// minus env pairs.
	Request kvwire.KV
	// PID of the child once spawned; zero before.
	PID int

	Start time.Time
	Stop  time.Time

	WaitStatus unix.WaitStatus
	Rusage     unix.Rusage

	stdout outStream
	stderr outStream

	entry     *schedEntry
	state     jobState
	finalized bool
	reason    int
	endSpan   func()
}

// response composes the result vector sent back to the master. reason zero
// means the child was reaped normally; any other value is carried as
// error_code and suppresses the rusage fields.
func (j *Job) response(reason int) kvwire.KV {
	kv := make(kvwire.KV, 0, len(j.Request)+13)
	for _, p := range j.Request {
		if string(p.Key) == "env" {
			continue
		}
		kv = append(kv, p)
	}
	kv = kv.Set("wait_status", strconv.Itoa(int(j.WaitStatus)))
	kv = kv.Set("start", formatStamp(j.Start))
	kv = kv.Set("stop", formatStamp(j.Stop))
	kv = kv.Set("runtime", strconv.FormatFloat(j.Stop.Sub(j.Start).Seconds(), 'f', 6, 64))
	if reason == 0 {
		kv = kv.Set("exited_ok", "1")
		kv = kv.Set("ru_utime", formatTimeval(j.Rusage.Utime))
		kv = kv.Set("ru_stime", formatTimeval(j.Rusage.Stime))
		kv = kv.Set("ru_minflt", strconv.FormatInt(int64(j.Rusage.Minflt), 10))
		kv = kv.Set("ru_majflt", strconv.FormatInt(int64(j.Rusage.Majflt), 10))
		kv = kv.Set("ru_inblock", strconv.FormatInt(int64(j.Rusage.Inblock), 10))
		kv = kv.Set("ru_oublock", strconv.FormatInt(int64(j.Rusage.Oublock), 10))
	} else {
		kv = kv.Set("exited_ok", "0")
		kv = kv.Set("error_code", strconv.Itoa(reason))
	}
	kv = kv.SetBytes("outerr", scrubNUL(j.stderr.buf))
	kv = kv.SetBytes("outstd", scrubNUL(j.stdout.buf))
	return kv
}

// scrubNUL truncates at the first embedded NUL so the value survives the
// NUL-separated pair encoding. Bytes after the first NUL are dropped.
func scrubNUL(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return b[:i]
	}
	return b
}

// formatStamp renders a wall-clock timestamp as <sec>.<usec> with six-digit
// microseconds.
func formatStamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func formatTimeval(tv unix.Timeval) string {
	return fmt.Sprintf("%d.%06d", tv.Sec, tv.Usec)
}
