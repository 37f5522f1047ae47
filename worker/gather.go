package worker

import (
	"golang.org/x/sys/unix"
)

// gatherChunk is the scratch size for one read from a child pipe. Output
// larger than this is read in several passes of the gather loop.
const gatherChunk = 4096

// gatherOutput drains whatever the child has written on one stream. With
// final set the descriptor is closed once the pipe runs dry; otherwise the
// descriptor stays registered until EOF or error, at which point a
// non-blocking wait probes whether the child is already gone.
func (w *Worker) gatherOutput(j *Job, s *outStream, final bool) {
	if s.fd < 0 {
		return
	}
	var scratch [gatherChunk]byte
	for {
		n, err := unix.Read(s.fd, scratch[:])
		if n > 0 {
			s.buf = append(s.buf, scratch[:n]...)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN && !final {
			// More data later.
			return
		}
		// EOF, hard error, or a final drain: release the descriptor.
		w.poller.del(s.fd)
		s.closeFD()
		if !final {
			w.probeExit(j)
		}
		return
	}
}

// probeExit checks whether a job whose pipe just closed has already exited.
// A successful non-blocking wait here consumes the exit status, so the job
// must be finished and destroyed immediately; the reap loop will never see
// this pid again.
func (w *Worker) probeExit(j *Job) {
	var st unix.WaitStatus
	var ru unix.Rusage
	for {
		pid, err := unix.Wait4(j.PID, &st, unix.WNOHANG, &ru)
		if err == unix.EINTR {
			continue
		}
		if pid != j.PID {
			return
		}
		break
	}
	j.WaitStatus = st
	j.Rusage = ru
	j.Stop = w.clock.Now()
	w.metrics.Counter(MetricJobsReaped).Inc()
	if j.state != stateStale {
		w.finishJob(j, reasonNone)
	}
	w.destroyJob(j)
}
