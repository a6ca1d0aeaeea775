// Package synth turns text into WAV artifacts. An Engine speaks one backend
// protocol (subprocess, HTTP, or websocket stream); the Generator wraps an
// engine with the timeout policy and the atomic publish of the finished
// artifact into the speech cache directory.
package synth

import (
	"context"
	"errors"
)

var (
	// ErrTimedOut reports a synthesis run that exceeded its deadline and was
	// torn down.
	ErrTimedOut = errors.New("synthesis timed out")

	// ErrFailed reports a synthesis run the backend rejected or botched. The
	// wrapped message carries a bounded diagnostic from the backend.
	ErrFailed = errors.New("synthesis failed")
)

// Engine produces complete WAV audio for text in a given voice. Synthesize
// honors ctx cancellation, tearing down whatever backend work is in flight.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// maxDiagnosticLen bounds backend error text carried inside returned errors
// and log lines.
const maxDiagnosticLen = 512

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// tailBuffer keeps the last max bytes written to it. Backend stderr can be
// arbitrarily chatty; only the tail is worth keeping for diagnostics.
type tailBuffer struct {
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
