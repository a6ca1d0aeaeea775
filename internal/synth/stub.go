package synth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/normanking/voicedeck/internal/player"
)

// StubEngine synthesizes silence locally, sized so longer text yields longer
// clips. It backs the silent CLI mode and tests that need a backend with
// controllable timing and failures.
type StubEngine struct {
	// ClipDuration fixes every clip's length. Zero derives it from the word
	// count instead.
	ClipDuration time.Duration

	// Delay simulates backend latency before the clip is produced.
	Delay time.Duration

	// Err, when set, fails every synthesis after the delay.
	Err error

	sampleRate int
	channels   int

	mu    sync.Mutex
	calls int
}

var _ Engine = (*StubEngine)(nil)

func NewStubEngine(sampleRate, channels int) *StubEngine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &StubEngine{sampleRate: sampleRate, channels: channels}
}

func (e *StubEngine) Name() string {
	return "stub"
}

func (e *StubEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}

	duration := e.ClipDuration
	if duration == 0 {
		words := len(strings.Fields(text))
		duration = time.Duration(words) * 150 * time.Millisecond
		if duration < 200*time.Millisecond {
			duration = 200 * time.Millisecond
		}
	}

	frames := int(duration * time.Duration(e.sampleRate) / time.Second)
	pcm := make([]byte, frames*e.channels*2)
	return player.EncodeWAV(pcm, e.sampleRate, e.channels), nil
}

// Calls reports how many synthesis requests the engine has received.
func (e *StubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
