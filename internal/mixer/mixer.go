// Package mixer coordinates the three output channels: Voice carries
// synthesized speech, Music loops a background track, Sfx fires short
// interaction sounds. Voice is single-occupancy with latest-wins semantics;
// Music ducks while Voice plays; Sfx never interacts with either.
package mixer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voicedeck/internal/bus"
	"github.com/normanking/voicedeck/internal/effects"
	"github.com/normanking/voicedeck/internal/player"
	"github.com/normanking/voicedeck/internal/speechcache"
	"github.com/normanking/voicedeck/internal/synth"
)

// Config carries the mixer's voice and volume policy.
type Config struct {
	// DefaultVoice is used when a request names no voice.
	DefaultVoice string

	VoiceVolume float64
	SfxVolume   float64
	MusicVolume float64

	// MusicDuckedVolume applies to Music whenever Voice is playing.
	MusicDuckedVolume float64

	// SpeakTimeout bounds a blocking Speak end to end, generation included.
	SpeakTimeout time.Duration
}

// DefaultConfig returns the stock volume policy.
func DefaultConfig() Config {
	return Config{
		DefaultVoice:      "ava",
		VoiceVolume:       1.0,
		SfxVolume:         0.9,
		MusicVolume:       0.6,
		MusicDuckedVolume: 0.2,
		SpeakTimeout:      30 * time.Second,
	}
}

// Deps are the collaborators a mixer drives. Cache, Generator, and Device
// are required; Effects and Bus are optional.
type Deps struct {
	Cache     *speechcache.Cache
	Generator *synth.Generator
	Device    player.Device
	Effects   *effects.Cache
	Bus       *bus.EventBus
	Logger    zerolog.Logger
}

// completion is a queued signal from a worker or playback watcher. Signals
// carry the generation they belong to and are dropped when a newer utterance
// has taken over.
type completion struct {
	gen  uint64
	kind completionKind
	err  error
}

type completionKind int

const (
	generationDone completionKind = iota
	generationFailed
	playbackDone
)

// utterance is one speech request moving through the pipeline.
type utterance struct {
	gen    uint64
	text   string
	voice  string
	state  utteranceState
	path   string
	handle player.Handle

	pending *Pending
	ctx     context.Context
	cancel  context.CancelFunc
}

// Mixer owns the three channels. All channel state lives behind one mutex
// held only for setup and bookkeeping; waits happen outside it.
type Mixer struct {
	cfg       Config
	cache     *speechcache.Cache
	generator *synth.Generator
	device    player.Device
	effects   *effects.Cache
	bus       *bus.EventBus
	logger    zerolog.Logger

	mu        sync.Mutex
	counter   uint64
	current   *utterance
	music     player.Handle
	musicPath string
	closed    bool

	signals chan completion
	done    chan struct{}
	wg      sync.WaitGroup
}

// playbackPollInterval is how often playback watchers sample IsPlaying.
const playbackPollInterval = 20 * time.Millisecond

func New(cfg Config, deps Deps) (*Mixer, error) {
	if deps.Cache == nil || deps.Generator == nil || deps.Device == nil {
		return nil, errors.New("mixer requires a cache, a generator, and a device")
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = DefaultConfig().DefaultVoice
	}
	if cfg.VoiceVolume <= 0 {
		cfg.VoiceVolume = DefaultConfig().VoiceVolume
	}
	if cfg.SfxVolume <= 0 {
		cfg.SfxVolume = DefaultConfig().SfxVolume
	}
	if cfg.MusicVolume <= 0 {
		cfg.MusicVolume = DefaultConfig().MusicVolume
	}
	if cfg.MusicDuckedVolume <= 0 {
		cfg.MusicDuckedVolume = DefaultConfig().MusicDuckedVolume
	}
	if cfg.SpeakTimeout <= 0 {
		cfg.SpeakTimeout = DefaultConfig().SpeakTimeout
	}

	m := &Mixer{
		cfg:       cfg,
		cache:     deps.Cache,
		generator: deps.Generator,
		device:    deps.Device,
		effects:   deps.Effects,
		bus:       deps.Bus,
		logger:    deps.Logger.With().Str("component", "mixer").Logger(),
		signals:   make(chan completion, 16),
		done:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m, nil
}

// Submit starts speaking text, replacing whatever Voice was doing. The
// previous utterance, in any non-terminal state, resolves as cancelled
// before the new one is registered. Empty text completes immediately.
func (m *Mixer) Submit(text, voice string) *Pending {
	if strings.TrimSpace(text) == "" {
		return resolved(OutcomeCompleted)
	}
	if voice == "" {
		voice = m.cfg.DefaultVoice
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return resolved(OutcomeCancelled)
	}

	m.cancelCurrentLocked()

	m.counter++
	ctx, cancel := context.WithCancel(context.Background())
	u := &utterance{
		gen:     m.counter,
		text:    text,
		voice:   voice,
		state:   stateQueued,
		pending: newPending(m.counter, text, voice),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.current = u

	if path, ok := m.cache.Lookup(text, voice); ok {
		u.path = path
		m.logger.Debug().Uint64("gen", u.gen).Str("voice", voice).Msg("Cache hit")
		m.startPlaybackLocked(u)
		return u.pending
	}

	u.state = stateGenerating
	u.path = m.cache.Path(text, voice)
	m.logger.Debug().Uint64("gen", u.gen).Str("voice", voice).Msg("Cache miss, generating")
	m.wg.Add(1)
	go m.generate(u)
	return u.pending
}

// Speak submits text and, when blocking, waits for the terminal outcome. The
// wait is bounded by SpeakTimeout; on expiry the utterance is force-stopped
// and resolves as timed out. Non-blocking calls return immediately.
func (m *Mixer) Speak(text, voice string, blocking bool) Outcome {
	p := m.Submit(text, voice)
	if !blocking {
		return p.Outcome()
	}

	timer := time.NewTimer(m.cfg.SpeakTimeout)
	defer timer.Stop()
	select {
	case <-p.Done():
	case <-timer.C:
		m.expire(p.Generation())
	}
	return p.Outcome()
}

// StopVoice cancels the active utterance. Idle Voice is a strict no-op.
func (m *Mixer) StopVoice() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCurrentLocked()
}

// PlaySfx fires a named effect without touching Voice or Music. A missing
// effect is skipped silently.
func (m *Mixer) PlaySfx(name string) {
	if m.effects == nil {
		return
	}
	clip, ok := m.effects.Get(name)
	if !ok {
		return
	}
	clip.Play(m.cfg.SfxVolume)
	m.publish(bus.EventTypeEffectPlayed, map[string]any{"effect": name})
}

// PlayMusic starts a background track, replacing the current one. Volume
// follows the ducking rule from the first sample. Failures are logged and
// absorbed; music is never load-bearing.
func (m *Mixer) PlayMusic(path string, loop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.stopMusicLocked()

	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Reading music track failed")
		return
	}
	handle, err := m.device.Open(data, loop)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("Opening music track failed")
		return
	}

	m.music = handle
	m.musicPath = path
	m.applyMusicVolumeLocked()
	handle.Play()

	m.logger.Info().Str("path", path).Bool("loop", loop).Msg("Music started")
	m.publish(bus.EventTypeMusicStarted, map[string]any{"path": path, "loop": loop})
}

// StopMusic stops the background track, if any.
func (m *Mixer) StopMusic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopMusicLocked()
}

// VoiceActive reports whether an utterance is generating or playing.
func (m *Mixer) VoiceActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// MusicPlaying reports whether a background track is up.
func (m *Mixer) MusicPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.music != nil
}

// Shutdown stops all three channels and tears the mixer down: the active
// utterance resolves as cancelled, music stops, in-flight generation is
// cancelled, and the device is closed once the workers drain. Idempotent.
func (m *Mixer) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancelCurrentLocked()
	m.stopMusicLocked()
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	if err := m.device.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Closing playback device failed")
	}
	m.logger.Info().Msg("Mixer shut down")
}

func (m *Mixer) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case sig := <-m.signals:
			m.apply(sig)
		}
	}
}

// apply delivers a queued completion signal. Signals for anything but the
// current generation are stale and dropped.
func (m *Mixer) apply(sig completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.current
	if u == nil || u.gen != sig.gen {
		m.logger.Debug().Uint64("gen", sig.gen).Msg("Dropping stale completion signal")
		return
	}

	switch sig.kind {
	case generationDone:
		if u.state != stateGenerating {
			return
		}
		m.startPlaybackLocked(u)

	case generationFailed:
		switch {
		case errors.Is(sig.err, context.Canceled):
			m.resolveLocked(u, OutcomeCancelled, nil)
		case errors.Is(sig.err, synth.ErrTimedOut):
			m.resolveLocked(u, OutcomeTimedOut, sig.err)
		default:
			m.resolveLocked(u, OutcomeFailed, sig.err)
		}

	case playbackDone:
		if u.state != statePlaying {
			return
		}
		m.resolveLocked(u, OutcomeCompleted, nil)
	}
}

// generate synthesizes the utterance's artifact off-thread and signals the
// dispatch loop with the result.
func (m *Mixer) generate(u *utterance) {
	defer m.wg.Done()

	size, err := m.generator.Generate(u.ctx, u.text, u.voice, u.path)
	if err != nil {
		m.post(completion{gen: u.gen, kind: generationFailed, err: err})
		return
	}
	m.cache.RecordWrite(u.path, size)
	m.post(completion{gen: u.gen, kind: generationDone})
}

// startPlaybackLocked moves the utterance to Playing: artifact read, handle
// opened, music ducked.
func (m *Mixer) startPlaybackLocked(u *utterance) {
	data, err := os.ReadFile(u.path)
	if err != nil {
		m.logger.Warn().Err(err).Uint64("gen", u.gen).Msg("Reading speech artifact failed")
		m.resolveLocked(u, OutcomeFailed, err)
		return
	}
	handle, err := m.device.Open(data, false)
	if err != nil {
		m.logger.Warn().Err(err).Uint64("gen", u.gen).Msg("Opening speech artifact failed")
		m.resolveLocked(u, OutcomeFailed, err)
		return
	}

	u.handle = handle
	u.state = statePlaying
	handle.SetVolume(m.cfg.VoiceVolume)
	m.applyMusicVolumeLocked()
	handle.Play()

	m.wg.Add(1)
	go m.watchPlayback(u.gen, handle)

	m.logger.Debug().Uint64("gen", u.gen).Str("voice", u.voice).Msg("Voice playback started")
	m.publish(bus.EventTypeVoiceStarted, map[string]any{
		"generation": u.gen,
		"text":       u.text,
		"voice":      u.voice,
	})
}

// watchPlayback signals the dispatch loop once the handle drains. A handle
// closed by supersession stops playing too; that signal arrives stale and is
// dropped.
func (m *Mixer) watchPlayback(gen uint64, handle player.Handle) {
	defer m.wg.Done()

	ticker := time.NewTicker(playbackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if handle.IsPlaying() {
				continue
			}
			m.post(completion{gen: gen, kind: playbackDone})
			return
		}
	}
}

// resolveLocked finishes an utterance: playback stopped, generation context
// cancelled, music restored, future resolved, completion event published.
func (m *Mixer) resolveLocked(u *utterance, outcome Outcome, err error) {
	if u.state.terminal() {
		return
	}
	u.state = stateFor(outcome)
	u.cancel()
	if u.handle != nil {
		u.handle.Close()
		u.handle = nil
	}
	if m.current == u {
		m.current = nil
	}
	m.applyMusicVolumeLocked()
	u.pending.resolve(outcome, err)

	evt := m.logger.Debug()
	if outcome == OutcomeFailed {
		evt = m.logger.Warn()
	}
	evt.Uint64("gen", u.gen).Str("outcome", string(outcome)).Err(err).Msg("Utterance resolved")

	m.publish(bus.EventTypeVoiceCompleted, map[string]any{
		"generation": u.gen,
		"outcome":    string(outcome),
		"text":       u.text,
		"voice":      u.voice,
	})
}

func (m *Mixer) cancelCurrentLocked() {
	if m.current == nil {
		return
	}
	m.resolveLocked(m.current, OutcomeCancelled, nil)
}

// expire force-stops the utterance a blocking Speak gave up waiting on.
func (m *Mixer) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.current
	if u == nil || u.gen != gen {
		return
	}
	m.logger.Warn().Uint64("gen", gen).Dur("timeout", m.cfg.SpeakTimeout).Msg("Speak wait expired")
	m.resolveLocked(u, OutcomeTimedOut, nil)
}

// applyMusicVolumeLocked enforces the two-level volume rule: ducked while
// Voice plays, normal otherwise.
func (m *Mixer) applyMusicVolumeLocked() {
	if m.music == nil {
		return
	}
	volume := m.cfg.MusicVolume
	if m.current != nil && m.current.state == statePlaying {
		volume = m.cfg.MusicDuckedVolume
	}
	m.music.SetVolume(volume)
}

func (m *Mixer) stopMusicLocked() {
	if m.music == nil {
		return
	}
	m.music.Close()
	m.music = nil
	path := m.musicPath
	m.musicPath = ""

	m.logger.Info().Str("path", path).Msg("Music stopped")
	m.publish(bus.EventTypeMusicStopped, map[string]any{"path": path})
}

// post queues a completion signal, dropping it when the mixer is shutting
// down.
func (m *Mixer) post(sig completion) {
	select {
	case m.signals <- sig:
	case <-m.done:
	}
}

func (m *Mixer) publish(eventType bus.EventType, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Type: eventType, Data: data})
}
