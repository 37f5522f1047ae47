package worker

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// defaultShell interprets the request's command line.
const defaultShell = "/bin/sh"

// startCmd forks the child through the shell, wires both output pipes into
// the poller, and records the child's pid on the job; spawnJob indexes the
// job by pid afterwards. The child gets its own process group so the whole
// tree can be killed at once.
func (w *Worker) startCmd(j *Job) error {
	cmd := exec.Command(defaultShell, "-c", j.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	j.PID = cmd.Process.Pid
	// Reaping happens through wait4 in the event loop, never cmd.Wait.
	cmd.Process.Release()

	if err := w.adoptPipe(j, &j.stdout, stdout, fdJobStdout); err != nil {
		stderr.Close()
		w.abortSpawn(j)
		return err
	}
	if err := w.adoptPipe(j, &j.stderr, stderr, fdJobStderr); err != nil {
		w.abortSpawn(j)
		return err
	}
	return nil
}

// abortSpawn reaps a child whose pipes could not be wired up. The kill makes
// the blocking wait safe.
func (w *Worker) abortSpawn(j *Job) {
	unix.Kill(-j.PID, unix.SIGKILL)
	for {
		_, err := unix.Wait4(j.PID, nil, 0, nil)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if j.stdout.fd >= 0 {
		w.poller.del(j.stdout.fd)
		j.stdout.closeFD()
	}
	if j.stderr.fd >= 0 {
		w.poller.del(j.stderr.fd)
		j.stderr.closeFD()
	}
}

// adoptPipe takes ownership of a pipe read end, switches it non-blocking,
// and registers it for readiness.
func (w *Worker) adoptPipe(j *Job, s *outStream, rc interface{ Close() error }, kind fdKind) error {
	f, ok := rc.(*os.File)
	if !ok {
		rc.Close()
		return fmt.Errorf("pipe is not an os.File")
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return fmt.Errorf("set nonblock: %w", err)
	}
	if err := w.poller.add(fd, fdTag{kind: kind, job: j}); err != nil {
		f.Close()
		return fmt.Errorf("register pipe: %w", err)
	}
	s.fd = fd
	s.file = f
	return nil
}
