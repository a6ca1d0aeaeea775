package synth

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CommandConfig configures a subprocess synthesis backend.
type CommandConfig struct {
	// BinaryPath is the synthesizer executable, piper-style: text on stdin,
	// WAV written to the -f path.
	BinaryPath string

	// ModelsDir holds per-voice model files named <voice>.onnx. When empty
	// the binary's built-in default voice is used.
	ModelsDir string

	// Grace is the window between interrupting a cancelled process and
	// killing it outright.
	Grace time.Duration
}

// CommandEngine synthesizes speech by running an external program per
// request. Cancellation interrupts the process first and escalates to a kill
// after the grace window, so a wedged backend can never hold a synthesis
// slot open.
type CommandEngine struct {
	cfg    CommandConfig
	logger zerolog.Logger
}

var _ Engine = (*CommandEngine)(nil)

func NewCommandEngine(cfg CommandConfig, logger zerolog.Logger) *CommandEngine {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "piper"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Second
	}
	return &CommandEngine{
		cfg:    cfg,
		logger: logger.With().Str("component", "synth").Str("engine", "command").Logger(),
	}
}

func (e *CommandEngine) Name() string {
	return "command"
}

func (e *CommandEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	out, err := os.CreateTemp("", "synth-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{}
	if e.cfg.ModelsDir != "" && voice != "" {
		args = append(args, "--model", filepath.Join(e.cfg.ModelsDir, voice+".onnx"))
	}
	args = append(args, "-f", outPath)

	cmd := exec.CommandContext(ctx, e.cfg.BinaryPath, args...)
	cmd.Stdin = strings.NewReader(text)
	stderr := newTailBuffer(maxDiagnosticLen)
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.Grace
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s failed: %w: %s",
			filepath.Base(e.cfg.BinaryPath), err, truncate(stderr.String(), maxDiagnosticLen))
	}

	audio, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesized audio: %w", err)
	}

	e.logger.Debug().
		Str("voice", voice).
		Int("bytes", len(audio)).
		Dur("took", time.Since(start)).
		Msg("Subprocess synthesis complete")
	return audio, nil
}
