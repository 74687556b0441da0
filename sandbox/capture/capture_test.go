package capture

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	t.Run("Unbounded", func(t *testing.T) {
		b := NewBuffer(0)
		_, _ = b.Write([]byte("hello "))
		_, _ = b.Write([]byte("world"))
		assert.Equal(t, "hello world", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("Limit", func(t *testing.T) {
		b := NewBuffer(5)
		n, err := b.Write([]byte("abcdefgh"))
		require.NoError(t, err)
		assert.Equal(t, 8, n)
		_, _ = b.Write([]byte("more"))
		assert.Equal(t, "abcde", b.String())
		assert.True(t, b.Truncated())
	})
}

func testStreams(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	errf, err := os.CreateTemp(t.TempDir(), "stderr")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = out.Close()
		_ = errf.Close()
	})
	return out, errf
}

func TestRedirectorCapturesAndRestores(t *testing.T) {
	stdout, stderr := testStreams(t)
	origOut, origErr := stdout, stderr
	r := NewRedirector(&stdout, &stderr)

	sink := NewBuffer(0)
	err := r.Capture(sink, func() error {
		_, _ = fmt.Fprint(stdout, "to stdout;")
		_, _ = fmt.Fprint(stderr, "to stderr")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "to stdout;to stderr", sink.String())
	assert.Same(t, origOut, stdout)
	assert.Same(t, origErr, stderr)
}

func TestRedirectorRestoresOnErrorAndPanic(t *testing.T) {
	stdout, stderr := testStreams(t)
	origOut := stdout
	r := NewRedirector(&stdout, &stderr)

	boom := errors.New("boom")
	err := r.Capture(NewBuffer(0), func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Same(t, origOut, stdout)

	assert.Panics(t, func() {
		_ = r.Capture(NewBuffer(0), func() error { panic("snippet") })
	})
	assert.Same(t, origOut, stdout)

	// The lock was released by the panicking capture.
	require.NoError(t, r.Capture(NewBuffer(0), func() error { return nil }))
}

func TestRedirectorSerializesConcurrentCaptures(t *testing.T) {
	stdout, stderr := testStreams(t)
	r := NewRedirector(&stdout, &stderr)

	letters := []string{"A", "B", "C", "D", "E", "F"}
	sinks := make([]*Buffer, len(letters))
	var wg sync.WaitGroup
	for i, letter := range letters {
		sinks[i] = NewBuffer(0)
		wg.Add(1)
		go func(sink *Buffer, letter string) {
			defer wg.Done()
			_ = r.Capture(sink, func() error {
				for j := 0; j < 50; j++ {
					_, _ = fmt.Fprint(stdout, letter)
				}
				return nil
			})
		}(sinks[i], letter)
	}
	wg.Wait()

	for i, letter := range letters {
		assert.Equal(t, strings.Repeat(letter, 50), sinks[i].String())
	}
}
