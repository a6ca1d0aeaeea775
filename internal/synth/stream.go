package synth

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamConfig configures a websocket synthesis service.
type StreamConfig struct {
	// ServiceURL is the websocket endpoint, e.g. ws://localhost:8899/tts.
	ServiceURL string

	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
}

// StreamEngine synthesizes speech over a websocket connection. The service
// streams base64 audio chunks which are reassembled into one WAV artifact;
// the connection is kept open between requests while it stays fresh.
type StreamEngine struct {
	cfg    StreamConfig
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lastUsed time.Time
}

var _ Engine = (*StreamEngine)(nil)

// connFreshness is how long an idle connection is trusted before being
// dropped and redialed.
const connFreshness = 30 * time.Second

type streamRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type streamMessage struct {
	Type  string `json:"type"` // chunk, done, error
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewStreamEngine(cfg StreamConfig, logger zerolog.Logger) *StreamEngine {
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = "ws://localhost:8899/tts"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &StreamEngine{
		cfg:    cfg,
		logger: logger.With().Str("component", "synth").Str("engine", "stream").Logger(),
	}
}

func (e *StreamEngine) Name() string {
	return "stream"
}

func (e *StreamEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := e.connectLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to synthesis service: %w", err)
	}

	// Unblock a pending read the moment the request is cancelled. The
	// connection is poisoned by the forced deadline and dropped below.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	if err := conn.WriteJSON(streamRequest{Text: text, Voice: voice}); err != nil {
		e.dropLocked()
		return nil, fmt.Errorf("failed to send synthesis request: %w", err)
	}

	start := time.Now()
	var audio []byte
	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			e.dropLocked()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream read failed: %w", err)
		}

		switch msg.Type {
		case "chunk":
			chunk, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				e.dropLocked()
				return nil, fmt.Errorf("failed to decode audio chunk: %w", err)
			}
			audio = append(audio, chunk...)
		case "done":
			e.lastUsed = time.Now()
			e.logger.Debug().
				Str("voice", voice).
				Int("bytes", len(audio)).
				Dur("took", time.Since(start)).
				Msg("Stream synthesis complete")
			return audio, nil
		case "error":
			e.lastUsed = time.Now()
			return nil, fmt.Errorf("service error: %s", truncate(msg.Error, maxDiagnosticLen))
		default:
			e.logger.Warn().Str("type", msg.Type).Msg("Ignoring unknown stream message")
		}
	}
}

// connectLocked returns the live connection, redialing when the previous one
// has gone stale.
func (e *StreamEngine) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if e.conn != nil {
		if time.Since(e.lastUsed) < connFreshness {
			e.conn.SetReadDeadline(time.Time{})
			return e.conn, nil
		}
		e.dropLocked()
	}

	dialer := websocket.Dialer{HandshakeTimeout: e.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, e.cfg.ServiceURL, nil)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	e.lastUsed = time.Now()
	e.logger.Debug().Str("url", e.cfg.ServiceURL).Msg("Connected to synthesis service")
	return conn, nil
}

func (e *StreamEngine) dropLocked() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// Close drops the cached connection.
func (e *StreamEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropLocked()
	return nil
}
