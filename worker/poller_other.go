//go:build !linux

package worker

import "errors"

var errUnsupported = errors.New("worker: readiness polling requires linux")

type poller struct{}

func newPoller() (*poller, error) { return nil, errUnsupported }

func (*poller) close() {}

func (*poller) add(int, fdTag) error { return errUnsupported }

func (*poller) del(int) {}

func (*poller) active() int { return 0 }

func (*poller) wait(int, func(fdTag, uint32)) error { return errUnsupported }

func newWakePipe() (int, int, error) { return -1, -1, errUnsupported }
