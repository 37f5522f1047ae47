package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := newRegistry()
	require.Zero(t, r.size())

	j1 := &Job{ID: 1, PID: 100}
	j2 := &Job{ID: 2, PID: 200}
	r.insert(j1)
	r.insert(j2)
	require.Equal(t, 2, r.size())

	require.Same(t, j1, r.lookup(100))
	require.Same(t, j2, r.lookup(200))
	require.Nil(t, r.lookup(300), "unknown pids belong to grandchildren")

	r.remove(j1)
	require.Equal(t, 1, r.size())
	require.Nil(t, r.lookup(100))
	require.Same(t, j2, r.lookup(200))
}
