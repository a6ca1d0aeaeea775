package player

import (
	"sync"
	"time"
)

// StubDevice is a Device that produces no sound. Sources are still decoded,
// so bad media fails at Open exactly like on real hardware, and non-looping
// handles report completion after the clip's decoded duration (or Latency
// when set). It backs tests and the silent CLI mode.
type StubDevice struct {
	// Latency overrides the decoded clip duration for every non-looping
	// handle opened after it is set.
	Latency time.Duration

	// OpenErr, when set, is returned by every subsequent Open.
	OpenErr error

	mu      sync.Mutex
	handles []*StubHandle
	closed  bool
}

var _ Device = (*StubDevice)(nil)

func NewStubDevice() *StubDevice {
	return &StubDevice{}
}

func (d *StubDevice) Open(src []byte, loop bool) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	pcm, err := DecodeWAV(src)
	if err != nil {
		return nil, err
	}

	duration := d.Latency
	if duration == 0 {
		duration = pcm.Duration()
	}
	h := &StubHandle{duration: duration, loop: loop, volume: 1.0}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *StubDevice) Close() error {
	d.mu.Lock()
	handles := append([]*StubHandle(nil), d.handles...)
	d.closed = true
	d.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return nil
}

// Handles returns every handle opened so far, in order.
func (d *StubDevice) Handles() []*StubHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*StubHandle(nil), d.handles...)
}

// Closed reports whether the device itself was closed.
func (d *StubDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// StubHandle records the playback lifecycle without touching hardware.
type StubHandle struct {
	mu       sync.Mutex
	duration time.Duration
	loop     bool
	volume   float64
	playing  bool
	started  time.Time
	closed   bool
}

var _ Handle = (*StubHandle)(nil)

func (h *StubHandle) Play() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.playing {
		return
	}
	h.playing = true
	h.started = time.Now()
}

func (h *StubHandle) SetVolume(volume float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = volume
}

func (h *StubHandle) IsPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || !h.playing {
		return false
	}
	if h.loop {
		return true
	}
	return time.Since(h.started) < h.duration
}

func (h *StubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.playing = false
	return nil
}

// Volume reports the last volume set on the handle.
func (h *StubHandle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

// Looping reports whether the handle was opened as a looping source.
func (h *StubHandle) Looping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loop
}

// WasPlayed reports whether Play was ever called.
func (h *StubHandle) WasPlayed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing || !h.started.IsZero()
}

// IsClosed reports whether the handle was closed.
func (h *StubHandle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
