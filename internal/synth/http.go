package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPConfig configures a request/response synthesis service.
type HTTPConfig struct {
	// ServiceURL is the service base; synthesis posts to ServiceURL/tts.
	ServiceURL string
}

// HTTPEngine synthesizes speech through a JSON-over-HTTP service that
// answers each request with complete WAV bytes.
type HTTPEngine struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

var _ Engine = (*HTTPEngine)(nil)

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func NewHTTPEngine(cfg HTTPConfig, logger zerolog.Logger) *HTTPEngine {
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = "http://localhost:8899"
	}
	return &HTTPEngine{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.With().Str("component", "synth").Str("engine", "http").Logger(),
	}
}

func (e *HTTPEngine) Name() string {
	return "http"
}

func (e *HTTPEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.ServiceURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDiagnosticLen))
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, truncate(string(body), maxDiagnosticLen))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}

	e.logger.Debug().
		Str("voice", voice).
		Int("bytes", len(audio)).
		Dur("took", time.Since(start)).
		Msg("HTTP synthesis complete")
	return audio, nil
}
