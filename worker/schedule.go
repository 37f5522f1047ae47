package worker

import (
	"container/heap"
	"time"
)

// schedEntry is a job's slot in the timeout schedule. Entries are handles:
// holding one allows O(log n) removal. The schedule does not own the job.
type schedEntry struct {
	job      *Job
	deadline time.Time
	seq      uint64
	index    int
}

// schedule is a deadline-ordered priority queue over jobs. Equal deadlines
// fire in insertion order.
type schedule struct {
	h schedHeap
}

func newSchedule() *schedule {
	return &schedule{}
}

// add inserts a job with an absolute deadline and returns its handle.
func (s *schedule) add(deadline time.Time, j *Job) *schedEntry {
	e := &schedEntry{job: j, deadline: deadline, seq: s.h.seq}
	s.h.seq++
	heap.Push(&s.h, e)
	return e
}

// remove drops an entry by handle. Removing an entry twice is a no-op.
func (s *schedule) remove(e *schedEntry) {
	if e == nil || e.index < 0 {
		return
	}
	heap.Remove(&s.h, e.index)
	e.index = -1
}

// peek returns the earliest-deadline entry without removing it.
func (s *schedule) peek() *schedEntry {
	if len(s.h.entries) == 0 {
		return nil
	}
	return s.h.entries[0]
}

// pop removes and returns the earliest-deadline entry. Used only while
// forcing a shutdown.
func (s *schedule) pop() *schedEntry {
	if len(s.h.entries) == 0 {
		return nil
	}
	e := heap.Pop(&s.h).(*schedEntry)
	e.index = -1
	return e
}

func (s *schedule) size() int { return len(s.h.entries) }

type schedHeap struct {
	entries []*schedEntry
	seq     uint64
}

func (h *schedHeap) Len() int { return len(h.entries) }

func (h *schedHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

func (h *schedHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *schedHeap) Push(x interface{}) {
	e := x.(*schedEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *schedHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	return e
}
