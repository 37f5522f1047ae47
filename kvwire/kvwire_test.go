package kvwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kv := KV{}.
		Set("command", "/bin/echo hi").
		Set("job_id", "7").
		Set("timeout", "10").
		Set("note", "value=with=equals").
		Set("empty", "")
	enc := Encode(kv)

	// Frame ends with a NUL then the delimiter.
	require.True(t, bytes.HasSuffix(enc, append([]byte{0}, FrameDelimiter...)))

	dec := NewDecoder(0)
	dec.Feed(enc)
	got, ok := dec.Next()
	require.True(t, ok)
	require.Len(t, got, len(kv))
	for i := range kv {
		require.Equal(t, kv[i].Key, got[i].Key, "key order must be preserved")
		require.Equal(t, kv[i].Value, got[i].Value)
	}
	_, ok = dec.Next()
	require.False(t, ok)
	require.Zero(t, dec.Buffered())
}

func TestEncodeOfDecodeIsIdentity(t *testing.T) {
	// Concatenation of well-formed frames survives a decode/encode cycle
	// byte for byte.
	var stream []byte
	stream = append(stream, Encode(KV{}.Set("a", "1").Set("b", "2"))...)
	stream = append(stream, Encode(KV{}.Set("log", "hello"))...)
	stream = append(stream, Encode(KV{}.Set("k", "v=w"))...)

	dec := NewDecoder(0)
	dec.Feed(stream)
	var out []byte
	for {
		kv, ok := dec.Next()
		if !ok {
			break
		}
		out = append(out, Encode(kv)...)
	}
	require.Equal(t, stream, out)
}

func TestDecoderPartialFeeds(t *testing.T) {
	enc := Encode(KV{}.Set("command", "/bin/true").Set("job_id", "1"))
	dec := NewDecoder(0)
	for i := 0; i < len(enc); i++ {
		if i < len(enc)-1 {
			dec.Feed(enc[i : i+1])
			_, ok := dec.Next()
			require.False(t, ok, "no frame before the full delimiter at byte %d", i)
		}
	}
	dec.Feed(enc[len(enc)-1:])
	kv, ok := dec.Next()
	require.True(t, ok)
	v, found := kv.Get("command")
	require.True(t, found)
	require.Equal(t, "/bin/true", string(v))
}

func TestDecoderMultipleFramesOneFeed(t *testing.T) {
	var stream []byte
	stream = append(stream, Encode(KV{}.Set("job_id", "1"))...)
	stream = append(stream, Encode(KV{}.Set("job_id", "2"))...)
	dec := NewDecoder(0)
	dec.Feed(stream)

	kv1, ok := dec.Next()
	require.True(t, ok)
	v, _ := kv1.Get("job_id")
	require.Equal(t, "1", string(v))

	kv2, ok := dec.Next()
	require.True(t, ok)
	v, _ = kv2.Get("job_id")
	require.Equal(t, "2", string(v))

	_, ok = dec.Next()
	require.False(t, ok)
}

func TestMalformedPairDecodesAsBareKey(t *testing.T) {
	frame := append([]byte("noequalsign\x00ok=1\x00"), FrameDelimiter...)
	dec := NewDecoder(0)
	dec.Feed(frame)
	kv, ok := dec.Next()
	require.True(t, ok)
	require.Len(t, kv, 2)
	require.Equal(t, "noequalsign", string(kv[0].Key))
	require.Empty(t, kv[0].Value)
	require.Equal(t, "ok", string(kv[1].Key))
	require.Equal(t, "1", string(kv[1].Value))
}

func TestDecodedPairsDoNotAliasBuffer(t *testing.T) {
	dec := NewDecoder(0)
	dec.Feed(Encode(KV{}.Set("key", "value")))
	kv, ok := dec.Next()
	require.True(t, ok)
	// Later feeds must not disturb earlier results.
	dec.Feed(Encode(KV{}.Set("other", "xxxxxxxxxxxxxxxx")))
	dec.Next()
	require.Equal(t, "value", string(kv[0].Value))
}

func TestGetReturnsFirstMatch(t *testing.T) {
	kv := KV{}.Set("env", "A=1").Set("env", "B=2").Set("command", "x")
	v, ok := kv.Get("env")
	require.True(t, ok)
	require.Equal(t, "A=1", string(v))
	_, ok = kv.Get("missing")
	require.False(t, ok)
}
