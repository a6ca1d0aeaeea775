package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Generator runs an engine under the synthesis timeout and publishes the
// finished artifact atomically. Readers of the cache directory either see a
// complete artifact at the destination path or nothing at all; a partial
// write is never visible under the final name.
type Generator struct {
	engine  Engine
	timeout time.Duration
	logger  zerolog.Logger
}

func NewGenerator(engine Engine, timeout time.Duration, logger zerolog.Logger) *Generator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Generator{
		engine:  engine,
		timeout: timeout,
		logger:  logger.With().Str("component", "generator").Logger(),
	}
}

// Engine returns the wrapped engine.
func (g *Generator) Engine() Engine {
	return g.engine
}

// Generate synthesizes text and writes the artifact to dst, returning its
// size. Failures map onto the caller-facing outcomes: ErrTimedOut when the
// synthesis deadline expired, context.Canceled when the caller abandoned the
// request, ErrFailed for everything the backend got wrong.
func (g *Generator) Generate(ctx context.Context, text, voice, dst string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	audio, err := g.engine.Synthesize(ctx, text, voice)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			g.logger.Warn().
				Str("engine", g.engine.Name()).
				Dur("timeout", g.timeout).
				Msg("Synthesis timed out")
			return 0, fmt.Errorf("%w after %s", ErrTimedOut, g.timeout)
		case errors.Is(ctx.Err(), context.Canceled):
			return 0, context.Canceled
		default:
			g.logger.Warn().
				Str("engine", g.engine.Name()).
				Err(err).
				Msg("Synthesis failed")
			return 0, fmt.Errorf("%w: %s", ErrFailed, truncate(err.Error(), maxDiagnosticLen))
		}
	}
	if len(audio) == 0 {
		return 0, fmt.Errorf("%w: engine %s produced no audio", ErrFailed, g.engine.Name())
	}

	size, err := publish(dst, audio)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrFailed, truncate(err.Error(), maxDiagnosticLen))
	}

	g.logger.Debug().
		Str("engine", g.engine.Name()).
		Str("path", dst).
		Int64("bytes", size).
		Dur("took", time.Since(start)).
		Msg("Artifact published")
	return size, nil
}

// publish writes data next to dst and renames it into place, syncing first
// so a crash cannot leave a complete-looking but torn artifact.
func publish(dst string, data []byte) (int64, error) {
	f, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to publish artifact: %w", err)
	}
	return int64(len(data)), nil
}
