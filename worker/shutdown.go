package worker

import (
	"os/signal"

	"golang.org/x/sys/unix"
)

// shutdown ends the loop with the given exit code after forcing every
// remaining child down. Idempotent; the first caller wins the code.
func (w *Worker) shutdown(code int) {
	if w.done {
		return
	}
	w.done = true
	w.exitCode = code

	w.poller.del(w.fd)
	unix.Close(w.fd)

	w.emergencyShutdown()
}

// emergencyShutdown kills and reaps whatever is left: SIGTERM first, a grace
// period, then SIGKILL per scheduled job's process group, another pause, and
// a final reap. SIGTERM is ignored for the duration so the group broadcast
// does not take the worker down with it.
func (w *Worker) emergencyShutdown() {
	if w.reg.size() == 0 && w.sched.size() == 0 {
		return
	}

	signal.Ignore(unix.SIGTERM)
	if w.cfg.OwnProcessGroup {
		// Covers strays that have not yet moved to their own group.
		unix.Kill(0, unix.SIGTERM)
	}
	for j := range w.reg.active {
		if j.PID > 0 {
			unix.Kill(-j.PID, unix.SIGTERM)
		}
	}
	w.reapStray()
	<-w.clock.After(shutdownPause)

	for {
		e := w.sched.pop()
		if e == nil {
			break
		}
		if e.job.PID > 0 {
			unix.Kill(-e.job.PID, unix.SIGKILL)
		}
		e.job.entry = nil
	}
	<-w.clock.After(shutdownPause)
	w.reapStray()

	// No responses go out here; the master is gone. Just drop the fds.
	for j := range w.reg.active {
		if j.stdout.fd >= 0 {
			w.poller.del(j.stdout.fd)
			j.stdout.closeFD()
		}
		if j.stderr.fd >= 0 {
			w.poller.del(j.stderr.fd)
			j.stderr.closeFD()
		}
		w.reg.remove(j)
	}
	w.metrics.Gauge(MetricJobsRunning).Set(0)
}

// reapStray collects exited children without matching them to jobs.
func (w *Worker) reapStray() {
	for {
		var st unix.WaitStatus
		pid, err := unix.Wait4(-1, &st, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if pid <= 0 {
			return
		}
	}
}
