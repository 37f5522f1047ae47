// Package worker implements the event-driven command execution worker: a
// single goroutine multiplexing the master control socket, child output
// pipes, child exits, and a deadline queue that drives timeouts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sys/unix"

	"github.com/execd/execd/kvwire"
)

// Observability constants.
const (
	// Metrics.
	MetricJobsStarted  = metricz.Key("jobs.started.total")
	MetricJobsTimeouts = metricz.Key("jobs.timeouts.total")
	MetricJobsReaped   = metricz.Key("jobs.reaped.total")
	MetricFramesIn     = metricz.Key("frames.in.total")
	MetricFramesOut    = metricz.Key("frames.out.total")
	MetricJobsRunning  = metricz.Key("jobs.running")

	// Spans.
	SpanJobRun = tracez.Key("job.run")

	// Tags.
	TagJobID  = tracez.Tag("job.id")
	TagJobPID = tracez.Tag("job.pid")
	TagReason = tracez.Tag("job.reason")

	// Hook event keys.
	EventJobSpawned    = hookz.Key("job.spawned")
	EventJobFinalized  = hookz.Key("job.finalized")
	EventJobStaleRetry = hookz.Key("job.stale_retry")
	EventJobDestroyed  = hookz.Key("job.destroyed")
)

// JobEvent is emitted on job lifecycle transitions.
type JobEvent struct {
	ID        uint64
	PID       int
	Command   string
	Reason    int
	Timestamp time.Time
}

// Kill reasons. Zero means a normal reap; anything else is carried to the
// master as error_code.
const (
	reasonNone = 0
	// reasonTimedOut is the error_code sentinel for jobs killed by their
	// deadline.
	reasonTimedOut = int(unix.ETIME)
	// reasonStale marks a retry pass over a job that was already finalized
	// as timed out. Never sent on the wire.
	reasonStale = -1
)

// Tunables. The wire-visible ones are fixed by the master protocol.
const (
	// DefaultJobTimeout applies when a request carries no timeout, or zero.
	DefaultJobTimeout = 60 * time.Second
	// readCacheSize is the initial capacity of the frame assembly buffer for
	// inbound commands. The buffer is not capped: it grows past this size
	// when a partial frame needs more room.
	readCacheSize = 512 << 10
	// sockBufSize is requested for both socket directions; kernel
	// buffering is the only backpressure on the write side.
	sockBufSize = 256 << 10
	// timerSlack keeps the loop from firing a deadline early.
	timerSlack = 5 * time.Millisecond

	staleFirstRetry = 1 * time.Second
	staleRetryEvery = 5 * time.Second
	shutdownPause   = 1 * time.Second
)

// Config carries everything a Worker needs. FD must be a connected stream
// socket to the master. Logger should be zerolog.Nop() to silence
// diagnostics.
type Config struct {
	FD     int
	Logger zerolog.Logger
	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
	// DefaultTimeout defaults to DefaultJobTimeout.
	DefaultTimeout time.Duration
	// OwnProcessGroup should be set when Setup made this process a group
	// leader; it enables the SIGTERM broadcast during shutdown.
	OwnProcessGroup bool
}

// Worker is the event-loop controller. All state is confined to the
// goroutine that calls Run; the only concurrent toucher is the SIGCHLD
// bridge, which is limited to the reapable counter and the wake pipe.
type Worker struct {
	cfg   Config
	id    uuid.UUID
	log   zerolog.Logger
	clock clockz.Clock

	fd     int
	poller *poller
	sched  *schedule
	reg    *registry
	dec    *kvwire.Decoder

	readBuf []byte

	metrics *metricz.Registry
	hooks   *hookz.Hooks[JobEvent]
	tracer  *tracez.Tracer

	reapable atomic.Int64
	sigCh    chan os.Signal
	wakeR    int
	wakeW    int

	done     bool
	exitCode int
}

// Setup performs the process-level startup the worker role requires: chdir
// to the invoking user's home (falling back to /), become a process-group
// leader, and mark the standard descriptors close-on-exec. Call it once from
// the worker binary before New; library embedders (and tests) skip it.
func Setup() {
	if home, err := os.UserHomeDir(); err != nil || os.Chdir(home) != nil {
		os.Chdir("/")
	}
	unix.Setpgid(0, 0)
	unix.CloseOnExec(int(os.Stdout.Fd()))
	unix.CloseOnExec(int(os.Stderr.Fd()))
}

// New constructs a worker around a connected master socket. The socket is
// switched non-blocking, marked close-on-exec, and given generous buffers;
// the multiplexer, deadline queue, registry, and SIGCHLD bridge are wired up
// ready for Run.
func New(cfg Config) (*Worker, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultJobTimeout
	}

	if err := unix.SetNonblock(cfg.FD, true); err != nil {
		return nil, fmt.Errorf("master socket nonblock: %w", err)
	}
	unix.CloseOnExec(cfg.FD)
	// Best effort; correctness of unhandled short writes leans on these.
	unix.SetsockoptInt(cfg.FD, unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufSize)
	unix.SetsockoptInt(cfg.FD, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize)

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	wakeR, wakeW, err := newWakePipe()
	if err != nil {
		p.close()
		return nil, fmt.Errorf("wake pipe: %w", err)
	}

	w := &Worker{
		cfg:     cfg,
		id:      uuid.New(),
		log:     cfg.Logger,
		clock:   clock,
		fd:      cfg.FD,
		poller:  p,
		sched:   newSchedule(),
		reg:     newRegistry(),
		dec:     kvwire.NewDecoder(readCacheSize),
		readBuf: make([]byte, 64<<10),
		metrics: metricz.New(),
		hooks:   hookz.New[JobEvent](),
		tracer:  tracez.New(),
		sigCh:   make(chan os.Signal, 128),
		wakeR:   wakeR,
		wakeW:   wakeW,
	}
	w.metrics.Counter(MetricJobsStarted)
	w.metrics.Counter(MetricJobsTimeouts)
	w.metrics.Counter(MetricJobsReaped)
	w.metrics.Counter(MetricFramesIn)
	w.metrics.Counter(MetricFramesOut)
	w.metrics.Gauge(MetricJobsRunning)

	if err := p.add(w.fd, fdTag{kind: fdMaster}); err != nil {
		w.Close()
		return nil, fmt.Errorf("register master socket: %w", err)
	}
	if err := p.add(w.wakeR, fdTag{kind: fdWake}); err != nil {
		w.Close()
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}

	signal.Notify(w.sigCh, unix.SIGCHLD)
	go w.forwardSignals()

	return w, nil
}

// Close releases the worker's own descriptors and stops the signal bridge.
// Run calls it on exit.
func (w *Worker) Close() {
	signal.Stop(w.sigCh)
	close(w.sigCh)
	unix.Close(w.wakeR)
	unix.Close(w.wakeW)
	w.poller.close()
	w.hooks.Close()
	w.tracer.Close()
}

// Metrics exposes the worker's counters and gauges.
func (w *Worker) Metrics() *metricz.Registry { return w.metrics }

// Tracer exposes the per-job span source.
func (w *Worker) Tracer() *tracez.Tracer { return w.tracer }

// Running is the number of in-flight jobs.
func (w *Worker) Running() int { return w.reg.size() }

// Scheduled is the number of deadline entries; equals Running at loop
// boundaries.
func (w *Worker) Scheduled() int { return w.sched.size() }

// OnJobSpawned registers a handler called after a job's child starts.
func (w *Worker) OnJobSpawned(h func(context.Context, JobEvent) error) error {
	_, err := w.hooks.Hook(EventJobSpawned, h)
	return err
}

// OnJobFinalized registers a handler called once a job's response is sent.
func (w *Worker) OnJobFinalized(h func(context.Context, JobEvent) error) error {
	_, err := w.hooks.Hook(EventJobFinalized, h)
	return err
}

// OnJobStaleRetry registers a handler called each time an unkillable child
// is rescheduled.
func (w *Worker) OnJobStaleRetry(h func(context.Context, JobEvent) error) error {
	_, err := w.hooks.Hook(EventJobStaleRetry, h)
	return err
}

// OnJobDestroyed registers a handler called when a job's resources are
// released.
func (w *Worker) OnJobDestroyed(h func(context.Context, JobEvent) error) error {
	_, err := w.hooks.Hook(EventJobDestroyed, h)
	return err
}

// forwardSignals bridges SIGCHLD into the loop: bump the counter, poke the
// wake pipe. Everything else happens synchronously after poll returns.
func (w *Worker) forwardSignals() {
	var b [1]byte
	for range w.sigCh {
		w.reapable.Add(1)
		// EAGAIN means the loop is already waking.
		unix.Write(w.wakeW, b[:])
	}
}

// Run drives the event loop until the master disconnects and every job has
// been dealt with. The return value is the worker's exit code.
func (w *Worker) Run() int {
	defer w.Close()

	w.sendLog(fmt.Sprintf("worker %s ready (pid %d)", w.id, os.Getpid()))
	w.log.Info().Str("worker_id", w.id.String()).Int("fd", w.fd).Msg("event loop starting")

	for !w.done && w.poller.active() > 0 {
		pollMS := -1
		for w.reg.size() > 0 {
			e := w.sched.peek()
			if e == nil {
				break
			}
			slacked := e.deadline.Sub(w.clock.Now()) + timerSlack
			if slacked > 0 {
				pollMS = int(slacked / time.Millisecond)
				if pollMS == 0 {
					pollMS = 1
				}
				break
			}
			if e.job.state == stateActive {
				w.killJob(e.job, reasonTimedOut)
			} else {
				w.killJob(e.job, reasonStale)
			}
			if w.done {
				return w.exitCode
			}
		}

		if err := w.poller.wait(pollMS, w.dispatch); err != nil {
			w.log.Error().Err(err).Msg("poll failed")
			w.shutdown(1)
			break
		}
		if w.done {
			break
		}
		if w.reapable.Load() != 0 {
			w.reapJobs()
		}
	}

	w.log.Info().Int("exit_code", w.exitCode).Msg("event loop finished")
	return w.exitCode
}

func (w *Worker) dispatch(tag fdTag, events uint32) {
	switch tag.kind {
	case fdWake:
		w.drainWake()
	case fdMaster:
		w.receiveCommand()
	case fdJobStdout:
		w.gatherOutput(tag.job, &tag.job.stdout, false)
	case fdJobStderr:
		w.gatherOutput(tag.job, &tag.job.stderr, false)
	}
}

func (w *Worker) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(w.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// receiveCommand reads available bytes from the master and spawns a job per
// complete frame. A zero-length read means the master closed; the worker
// shuts down cleanly.
func (w *Worker) receiveCommand() {
	n, err := unix.Read(w.fd, w.readBuf)
	if err == unix.EINTR || err == unix.EAGAIN {
		return
	}
	if err != nil {
		w.log.Error().Err(err).Msg("master socket read failed")
		w.shutdown(1)
		return
	}
	if n == 0 {
		w.log.Info().Msg("master disconnected")
		w.shutdown(0)
		return
	}
	w.dec.Feed(w.readBuf[:n])
	for {
		req, ok := w.dec.Next()
		if !ok {
			return
		}
		w.metrics.Counter(MetricFramesIn).Inc()
		w.spawnJob(req)
		if w.done {
			return
		}
	}
}

// spawnJob turns a decoded request into a running child. The deadline entry
// is inserted before the spawn attempt and rolled back on failure.
func (w *Worker) spawnJob(req kvwire.KV) {
	command, _ := req.Get("command")
	idRaw, _ := req.Get("job_id")
	if len(command) == 0 {
		w.sendError(string(idRaw), "no command line given")
		return
	}
	timeoutRaw, _ := req.Get("timeout")
	timeout := time.Duration(parseUint(timeoutRaw)) * time.Second
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	j := &Job{
		ID:      parseUint(idRaw),
		Command: string(command),
		Timeout: timeout,
		Request: req,
		stdout:  outStream{fd: -1},
		stderr:  outStream{fd: -1},
	}
	j.Start = w.clock.Now()
	j.entry = w.sched.add(j.Start.Add(timeout), j)

	if err := w.startCmd(j); err != nil {
		w.sched.remove(j.entry)
		w.log.Warn().Uint64("job_id", j.ID).Err(err).Msg("spawn failed")
		w.sendError(string(idRaw), fmt.Sprintf("failed to start command: %v", err))
		return
	}

	w.reg.insert(j)
	w.metrics.Counter(MetricJobsStarted).Inc()
	w.metrics.Gauge(MetricJobsRunning).Set(float64(w.reg.size()))

	_, span := w.tracer.StartSpan(context.Background(), SpanJobRun)
	span.SetTag(TagJobID, strconv.FormatUint(j.ID, 10))
	span.SetTag(TagJobPID, strconv.Itoa(j.PID))
	j.endSpan = func() {
		if j.reason != reasonNone {
			span.SetTag(TagReason, strconv.Itoa(j.reason))
		}
		span.Finish()
	}

	w.hooks.Emit(context.Background(), EventJobSpawned, w.jobEvent(j, reasonNone))
	w.log.Debug().Uint64("job_id", j.ID).Int("pid", j.PID).Dur("timeout", timeout).Msg("job spawned")
}

// killJob handles a fired deadline. For a first timeout the child may have
// exited just under the wire; otherwise the whole process group gets
// SIGKILL. A child that survives the kill (uninterruptible sleep) is
// finalized immediately and retried on a backoff.
func (w *Worker) killJob(j *Job, reason int) {
	var st unix.WaitStatus
	var ru unix.Rusage

	if reason == reasonTimedOut {
		if pid, _ := unix.Wait4(j.PID, &st, unix.WNOHANG, &ru); pid == j.PID {
			// Exited just in time; still reported as a timeout.
			j.WaitStatus, j.Rusage = st, ru
			j.Stop = w.clock.Now()
			w.metrics.Counter(MetricJobsTimeouts).Inc()
			w.finishJob(j, reasonTimedOut)
			w.destroyJob(j)
			return
		}
	}

	// ESRCH here means the group is already gone.
	unix.Kill(-j.PID, unix.SIGKILL)

	reaped := false
	var pid int
	for {
		var err error
		pid, err = unix.Wait4(j.PID, &st, unix.WNOHANG, &ru)
		if err == unix.EINTR {
			continue
		}
		if pid == j.PID || err == unix.ECHILD {
			reaped = true
		}
		break
	}

	if reaped {
		if pid == j.PID {
			j.WaitStatus, j.Rusage = st, ru
		}
		if j.Stop.IsZero() {
			j.Stop = w.clock.Now()
		}
		if j.state != stateStale {
			w.metrics.Counter(MetricJobsTimeouts).Inc()
			w.finishJob(j, reasonTimedOut)
		}
		w.destroyJob(j)
		return
	}

	// SIGKILL delivered but the child won't die: likely stuck in
	// uninterruptible sleep. The master gets its answer now; the reap
	// comes whenever the kernel lets go.
	retry := staleRetryEvery
	if j.state != stateStale {
		j.state = stateStale
		w.metrics.Counter(MetricJobsTimeouts).Inc()
		w.finishJob(j, reasonTimedOut)
		retry = staleFirstRetry
	}
	w.sendLog(fmt.Sprintf("job %d (pid %d) refuses to die, retrying reap in %v", j.ID, j.PID, retry))
	w.hooks.Emit(context.Background(), EventJobStaleRetry, w.jobEvent(j, reasonTimedOut))

	w.sched.remove(j.entry)
	j.entry = w.sched.add(w.clock.Now().Add(retry), j)
}

// reapJobs drains every currently reapable child. Pids the registry does not
// know are grandchildren and are skipped.
func (w *Worker) reapJobs() {
	for !w.done {
		var st unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &st, unix.WNOHANG, &ru)
		if err == unix.EINTR {
			continue
		}
		if pid <= 0 {
			// No children ready (0) or none at all (ECHILD).
			break
		}
		j := w.reg.lookup(pid)
		if j == nil {
			continue
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
	w.reapable.Store(0)
}

// finishJob sends the result frame. Called exactly once per job: at normal
// reap, or early at timeout for jobs that will be reaped later.
func (w *Worker) finishJob(j *Job, reason int) {
	if j.finalized {
		return
	}
	j.finalized = true
	j.reason = reason

	w.gatherOutput(j, &j.stdout, true)
	w.gatherOutput(j, &j.stderr, true)

	if j.Stop.IsZero() {
		j.Stop = w.clock.Now()
	}
	w.send(j.response(reason))
	w.hooks.Emit(context.Background(), EventJobFinalized, w.jobEvent(j, reason))
	w.log.Debug().Uint64("job_id", j.ID).Int("pid", j.PID).Int("reason", reason).Msg("job finalized")
}

// destroyJob releases everything the job owns. The scheduler entry goes
// first, then the indices; counts stay consistent at loop boundaries.
func (w *Worker) destroyJob(j *Job) {
	w.sched.remove(j.entry)
	j.entry = nil
	if j.stdout.fd >= 0 {
		w.poller.del(j.stdout.fd)
		j.stdout.closeFD()
	}
	if j.stderr.fd >= 0 {
		w.poller.del(j.stderr.fd)
		j.stderr.closeFD()
	}
	w.reg.remove(j)
	w.metrics.Gauge(MetricJobsRunning).Set(float64(w.reg.size()))
	if j.endSpan != nil {
		j.endSpan()
		j.endSpan = nil
	}
	w.hooks.Emit(context.Background(), EventJobDestroyed, w.jobEvent(j, j.reason))
}

func (w *Worker) jobEvent(j *Job, reason int) JobEvent {
	return JobEvent{
		ID:        j.ID,
		PID:       j.PID,
		Command:   j.Command,
		Reason:    reason,
		Timestamp: w.clock.Now(),
	}
}

// send writes one frame to the master. A broken pipe is fatal: the master is
// gone and every result from here on would be lost anyway.
func (w *Worker) send(kv kvwire.KV) {
	err := kvwire.SendKV(w.fd, kv)
	if err == nil {
		w.metrics.Counter(MetricFramesOut).Inc()
		return
	}
	if errors.Is(err, kvwire.ErrBrokenPipe) {
		w.log.Error().Msg("master pipe broken")
		w.shutdown(1)
		return
	}
	w.log.Warn().Err(err).Msg("frame write failed")
}

func (w *Worker) sendLog(msg string) {
	w.send(kvwire.KV{}.Set("log", msg))
}

func (w *Worker) sendError(jobID, msg string) {
	var kv kvwire.KV
	if jobID != "" {
		kv = kv.Set("job_id", jobID)
	}
	w.send(kv.Set("error_msg", msg))
}

// parseUint reads leading decimal digits, matching the permissive integer
// parse of the master protocol. Anything else yields zero.
func parseUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}
