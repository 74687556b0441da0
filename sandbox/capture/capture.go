// Package capture provides per-call output sinks and the serialized swap of
// the process-wide stdout/stderr streams.
//
// Snippet output is written to an explicit sink handed to each execution.
// The process streams are the only global redirection point; Redirector
// swaps them under a single mutex for a whole capture-and-restore cycle, so
// output captured for one call never contains bytes written during another.
package capture

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Buffer is a concurrency-safe sink that keeps at most limit bytes.
type Buffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewBuffer creates a Buffer. A non-positive limit means unbounded.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Write appends p, dropping anything beyond the limit. It always reports
// len(p) so writers never see a short write.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

// String returns everything written so far.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether writes were dropped because of the limit.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Redirector swaps a pair of *os.File variables for the duration of a call.
type Redirector struct {
	mu     sync.Mutex
	stdout **os.File
	stderr **os.File
}

// NewRedirector creates a Redirector over the given stream variables.
func NewRedirector(stdout, stderr **os.File) *Redirector {
	return &Redirector{stdout: stdout, stderr: stderr}
}

var process = NewRedirector(&os.Stdout, &os.Stderr)

// Process returns the Redirector for os.Stdout and os.Stderr.
func Process() *Redirector {
	return process
}

// Capture holds the redirection lock, points both streams at sink, runs fn
// and restores the original streams before releasing the lock. Everything
// written to the streams while fn runs has reached sink when Capture returns.
func (r *Redirector) Capture(sink io.Writer, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating capture pipe: %w", err)
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(sink, pr)
	}()

	origOut, origErr := *r.stdout, *r.stderr
	*r.stdout, *r.stderr = pw, pw
	defer func() {
		*r.stdout, *r.stderr = origOut, origErr
		_ = pw.Close()
		<-copied
		_ = pr.Close()
	}()

	return fn()
}
