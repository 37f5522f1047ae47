//go:build linux

package worker

import (
	"golang.org/x/sys/unix"
)

// newWakePipe creates the non-blocking self-pipe the SIGCHLD bridge pokes to
// interrupt the poll.
func newWakePipe() (r, w int, err error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return pipe[0], pipe[1], nil
}

// poller is a thin epoll adapter. All methods run on the event-loop
// goroutine.
type poller struct {
	epfd   int
	tags   map[int]fdTag
	events [64]unix.EpollEvent
	// wake descriptors are excluded from the registered count that keeps
	// the loop alive.
	wakeFDs int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd, tags: make(map[int]fdTag)}, nil
}

func (p *poller) close() {
	if p.epfd >= 0 {
		unix.Close(p.epfd)
		p.epfd = -1
	}
}

// add registers fd for read readiness.
func (p *poller) add(fd int, tag fdTag) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.tags[fd] = tag
	if tag.kind == fdWake {
		p.wakeFDs++
	}
	return nil
}

// del unregisters fd. Unknown fds are ignored.
func (p *poller) del(fd int) {
	tag, ok := p.tags[fd]
	if !ok {
		return
	}
	delete(p.tags, fd)
	if tag.kind == fdWake {
		p.wakeFDs--
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// active is the number of registered descriptors that keep the loop running.
// The internal wake pipe does not count.
func (p *poller) active() int { return len(p.tags) - p.wakeFDs }

// wait blocks up to timeoutMs (-1 blocks until any event) and invokes fn for
// each ready descriptor still registered at dispatch time. EINTR is treated
// as an empty poll.
func (p *poller) wait(timeoutMs int, fn func(tag fdTag, events uint32)) error {
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		// Re-resolve per event: an earlier callback may have
		// unregistered this fd.
		tag, ok := p.tags[fd]
		if !ok {
			continue
		}
		fn(tag, p.events[i].Events)
	}
	return nil
}
