package worker

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/execd/execd/kvwire"
)

func makeJob() *Job {
	return &Job{
		ID:      7,
		Command: "/bin/echo hi",
		Request: kvwire.KV{}.
			Set("command", "/bin/echo hi").
			Set("job_id", "7").
			Set("env", "HOME=/x").
			Set("env", "PATH=/bin").
			Set("custom", "kept"),
		PID:    1234,
		Start:  time.Unix(100, 250_000),
		Stop:   time.Unix(101, 750_000),
		stdout: outStream{fd: -1, buf: []byte("hi\n")},
		stderr: outStream{fd: -1},
	}
}

func TestResponseEchoesRequestWithoutEnv(t *testing.T) {
	kv := makeJob().response(reasonNone)

	_, hasEnv := kv.Get("env")
	require.False(t, hasEnv, "env pairs must be stripped")

	v, ok := kv.Get("command")
	require.True(t, ok)
	require.Equal(t, "/bin/echo hi", string(v))
	v, ok = kv.Get("job_id")
	require.True(t, ok)
	require.Equal(t, "7", string(v))
	v, ok = kv.Get("custom")
	require.True(t, ok)
	require.Equal(t, "kept", string(v))
}

func TestResponseNormalExitCarriesRusage(t *testing.T) {
	j := makeJob()
	j.Rusage = unix.Rusage{
		Utime:   unix.Timeval{Sec: 1, Usec: 500},
		Stime:   unix.Timeval{Sec: 0, Usec: 250000},
		Minflt:  42,
		Majflt:  1,
		Inblock: 8,
		Oublock: 16,
	}
	kv := j.response(reasonNone)

	v, _ := kv.Get("exited_ok")
	require.Equal(t, "1", string(v))
	_, hasErrCode := kv.Get("error_code")
	require.False(t, hasErrCode)

	expect := map[string]string{
		"ru_utime":   "1.000500",
		"ru_stime":   "0.250000",
		"ru_minflt":  "42",
		"ru_majflt":  "1",
		"ru_inblock": "8",
		"ru_oublock": "16",
	}
	for key, want := range expect {
		v, ok := kv.Get(key)
		require.True(t, ok, key)
		require.Equal(t, want, string(v), key)
	}
}

func TestResponseTimeoutCarriesErrorCode(t *testing.T) {
	kv := makeJob().response(reasonTimedOut)

	v, _ := kv.Get("exited_ok")
	require.Equal(t, "0", string(v))
	v, ok := kv.Get("error_code")
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(int(unix.ETIME)), string(v))
	_, hasRu := kv.Get("ru_utime")
	require.False(t, hasRu, "rusage is only reported for normal exits")
}

func TestResponseTimestampsAndRuntime(t *testing.T) {
	kv := makeJob().response(reasonNone)

	v, _ := kv.Get("start")
	require.Equal(t, "100.000250", string(v))
	v, _ = kv.Get("stop")
	require.Equal(t, "101.000750", string(v))
	v, _ = kv.Get("runtime")
	require.Equal(t, "1.000500", string(v))
}

func TestResponseOutputOrderAndContent(t *testing.T) {
	j := makeJob()
	j.stderr.buf = []byte("oops")
	kv := j.response(reasonNone)

	// outerr precedes outstd at the tail of the vector.
	require.Equal(t, "outerr", string(kv[len(kv)-2].Key))
	require.Equal(t, "oops", string(kv[len(kv)-2].Value))
	require.Equal(t, "outstd", string(kv[len(kv)-1].Key))
	require.Equal(t, "hi\n", string(kv[len(kv)-1].Value))
}

func TestScrubTruncatesAtFirstNUL(t *testing.T) {
	require.Equal(t, []byte("ab"), scrubNUL([]byte("ab\x00cd")))
	require.Equal(t, []byte(nil), scrubNUL(nil))
	require.Equal(t, []byte("plain"), scrubNUL([]byte("plain")))
	require.Empty(t, scrubNUL([]byte{0, 'x'}))
}

func TestParseUintPermissive(t *testing.T) {
	require.EqualValues(t, 123, parseUint([]byte("123")))
	require.EqualValues(t, 123, parseUint([]byte("123abc")))
	require.EqualValues(t, 0, parseUint([]byte("abc")))
	require.EqualValues(t, 0, parseUint(nil))
}
