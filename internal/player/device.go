// Package player owns audio output: a Device abstraction over the platform
// audio backend, playback handles with per-handle volume, and the WAV codec
// used by every byte source that crosses the device boundary.
package player

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// Handle is a single playback instance on a device. IsPlaying goes false on
// its own once a non-looping source drains; Close stops playback and releases
// the underlying player.
type Handle interface {
	Play()
	SetVolume(volume float64)
	IsPlaying() bool
	Close() error
}

// Device opens byte sources into playback handles. Implementations decode the
// source up front and reject anything unplayable with ErrInvalidMedia at Open
// time, so callers never discover bad media mid-playback.
type Device interface {
	Open(src []byte, loop bool) (Handle, error)
	Close() error
}

// Config describes the fixed output format a device is opened with.
type Config struct {
	SampleRate int
	Channels   int
}

// OtoDevice plays audio through the platform backend via oto. The context is
// created once with a fixed format; every source must match it.
type OtoDevice struct {
	ctx    *oto.Context
	cfg    Config
	logger zerolog.Logger
}

var _ Device = (*OtoDevice)(nil)

// NewOtoDevice initializes the platform audio backend and blocks until it is
// ready to accept players.
func NewOtoDevice(cfg Config, logger zerolog.Logger) (*OtoDevice, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 22050
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	op := &oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio context: %w", err)
	}
	<-ready

	logger = logger.With().Str("component", "player").Logger()
	logger.Info().
		Int("sample_rate", cfg.SampleRate).
		Int("channels", cfg.Channels).
		Msg("Audio device ready")

	return &OtoDevice{ctx: ctx, cfg: cfg, logger: logger}, nil
}

// Open decodes src as WAV and prepares a player for it. The decoded format
// must match the device format exactly; oto does not resample.
func (d *OtoDevice) Open(src []byte, loop bool) (Handle, error) {
	pcm, err := DecodeWAV(src)
	if err != nil {
		return nil, err
	}
	if pcm.SampleRate != d.cfg.SampleRate || pcm.Channels != d.cfg.Channels {
		return nil, fmt.Errorf("%w: source is %d Hz/%dch, device is %d Hz/%dch",
			ErrInvalidMedia, pcm.SampleRate, pcm.Channels, d.cfg.SampleRate, d.cfg.Channels)
	}

	// The player reads the buffer incrementally from its own goroutine, so
	// the handle keeps a private copy alive for the whole playback.
	data := make([]byte, len(pcm.Data))
	copy(data, pcm.Data)

	var reader io.Reader = bytes.NewReader(data)
	if loop {
		reader = &loopReader{data: data}
	}
	return &otoHandle{player: d.ctx.NewPlayer(reader), data: data}, nil
}

// Close releases the device. The oto context has no teardown; dropping the
// reference is all there is to do.
func (d *OtoDevice) Close() error {
	d.ctx = nil
	return nil
}

type otoHandle struct {
	player *oto.Player
	data   []byte

	closeOnce sync.Once
	closeErr  error
}

func (h *otoHandle) Play() {
	h.player.Play()
}

func (h *otoHandle) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	h.player.SetVolume(volume)
}

func (h *otoHandle) IsPlaying() bool {
	return h.player.IsPlaying()
}

func (h *otoHandle) Close() error {
	h.closeOnce.Do(func() {
		h.player.Pause()
		h.closeErr = h.player.Close()
		h.data = nil
	})
	return h.closeErr
}

// loopReader replays its buffer forever, which keeps a looping player's
// source from ever reaching EOF.
type loopReader struct {
	data []byte
	pos  int
}

func (r *loopReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		c := copy(p[n:], r.data[r.pos:])
		n += c
		r.pos += c
		if r.pos == len(r.data) {
			r.pos = 0
		}
	}
	return n, nil
}
