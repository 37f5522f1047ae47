package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByDeadline(t *testing.T) {
	s := newSchedule()
	base := time.Unix(1000, 0)

	j1, j2, j3 := &Job{ID: 1}, &Job{ID: 2}, &Job{ID: 3}
	s.add(base.Add(30*time.Second), j1)
	s.add(base.Add(10*time.Second), j2)
	s.add(base.Add(20*time.Second), j3)
	require.Equal(t, 3, s.size())

	require.Same(t, j2, s.pop().job)
	require.Same(t, j3, s.pop().job)
	require.Same(t, j1, s.pop().job)
	require.Nil(t, s.pop())
}

func TestScheduleTiesFireInInsertionOrder(t *testing.T) {
	s := newSchedule()
	deadline := time.Unix(1000, 0)
	jobs := []*Job{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	for _, j := range jobs {
		s.add(deadline, j)
	}
	for _, j := range jobs {
		require.Same(t, j, s.pop().job)
	}
}

func TestScheduleRemoveByHandle(t *testing.T) {
	s := newSchedule()
	base := time.Unix(1000, 0)

	e1 := s.add(base.Add(1*time.Second), &Job{ID: 1})
	e2 := s.add(base.Add(2*time.Second), &Job{ID: 2})
	e3 := s.add(base.Add(3*time.Second), &Job{ID: 3})

	s.remove(e2)
	require.Equal(t, 2, s.size())
	require.Same(t, e1, s.peek())

	// Removing twice is harmless.
	s.remove(e2)
	require.Equal(t, 2, s.size())

	s.remove(e1)
	require.Same(t, e3, s.peek())
}

func TestSchedulePeekDoesNotRemove(t *testing.T) {
	s := newSchedule()
	j := &Job{ID: 9}
	s.add(time.Unix(5, 0), j)
	require.Same(t, j, s.peek().job)
	require.Equal(t, 1, s.size())
	require.Same(t, j, s.peek().job)
}

func TestScheduleReplaceEntryMovesDeadline(t *testing.T) {
	// The stale-retry path removes and re-adds a job's entry.
	s := newSchedule()
	base := time.Unix(1000, 0)
	j1 := &Job{ID: 1}
	j2 := &Job{ID: 2}
	e1 := s.add(base.Add(1*time.Second), j1)
	s.add(base.Add(2*time.Second), j2)

	s.remove(e1)
	e1 = s.add(base.Add(10*time.Second), j1)
	require.NotNil(t, e1)
	require.Same(t, j2, s.peek().job)
	require.Equal(t, base.Add(10*time.Second), e1.deadline)
}
