package mixer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/voicedeck/internal/bus"
	"github.com/normanking/voicedeck/internal/effects"
	"github.com/normanking/voicedeck/internal/player"
	"github.com/normanking/voicedeck/internal/speechcache"
	"github.com/normanking/voicedeck/internal/synth"
)

// rig bundles a mixer with the fakes behind it.
type rig struct {
	mixer    *Mixer
	engine   *synth.StubEngine
	device   *player.StubDevice
	cache    *speechcache.Cache
	events   *eventRecorder
	effects  *effects.Cache
	assetDir string
}

type rigOptions struct {
	clipDuration time.Duration
	engineDelay  time.Duration
	synthTimeout time.Duration
	speakTimeout time.Duration
}

func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()
	logger := zerolog.Nop()

	if opts.clipDuration == 0 {
		opts.clipDuration = 60 * time.Millisecond
	}
	if opts.synthTimeout == 0 {
		opts.synthTimeout = 5 * time.Second
	}
	if opts.speakTimeout == 0 {
		opts.speakTimeout = 10 * time.Second
	}

	eventBus := bus.NewEventBus()
	recorder := &eventRecorder{}
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeVoiceStarted,
		bus.EventTypeVoiceCompleted,
		bus.EventTypeMusicStarted,
		bus.EventTypeMusicStopped,
		bus.EventTypeEffectPlayed,
	}, recorder.record)

	cache, err := speechcache.New(speechcache.Config{
		Dir:      t.TempDir(),
		MaxItems: 64,
		MaxBytes: 16 << 20,
	}, eventBus, logger)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	engine := synth.NewStubEngine(22050, 1)
	engine.ClipDuration = opts.clipDuration
	engine.Delay = opts.engineDelay

	device := player.NewStubDevice()
	assetDir := t.TempDir()
	fx := effects.NewCache(4, effects.NewDirLoader(assetDir, device, logger), logger)
	t.Cleanup(fx.Close)

	m, err := New(Config{
		DefaultVoice: "ava",
		SpeakTimeout: opts.speakTimeout,
	}, Deps{
		Cache:     cache,
		Generator: synth.NewGenerator(engine, opts.synthTimeout, logger),
		Device:    device,
		Effects:   fx,
		Bus:       eventBus,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return &rig{
		mixer:    m,
		engine:   engine,
		device:   device,
		cache:    cache,
		events:   recorder,
		effects:  fx,
		assetDir: assetDir,
	}
}

func (r *rig) writeAsset(t *testing.T, file string, duration time.Duration) {
	t.Helper()
	frames := int(duration * 22050 / time.Second)
	data := player.EncodeWAV(make([]byte, frames*2), 22050, 1)
	require.NoError(t, os.WriteFile(filepath.Join(r.assetDir, file), data, 0o644))
}

// musicHandle returns the most recent looping handle.
func (r *rig) musicHandle() *player.StubHandle {
	handles := r.device.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i].Looping() {
			return handles[i]
		}
	}
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(event bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byType(eventType bus.EventType) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// completedOutcomes returns the outcome of every voice.completed event seen.
func (r *eventRecorder) completedOutcomes() []string {
	var out []string
	for _, event := range r.byType(bus.EventTypeVoiceCompleted) {
		if o, ok := event.Data["outcome"].(string); ok {
			out = append(out, o)
		}
	}
	return out
}

func TestMixer_SpeakBlockingCompletes(t *testing.T) {
	r := newRig(t, rigOptions{})

	outcome := r.mixer.Speak("hello there", "", true)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.False(t, r.mixer.VoiceActive())

	items, _ := r.cache.Stats()
	assert.Equal(t, 1, items, "spoken text should be cached")

	require.Eventually(t, func() bool {
		return len(r.events.completedOutcomes()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"completed"}, r.events.completedOutcomes())
}

func TestMixer_SecondSpeakHitsCache(t *testing.T) {
	r := newRig(t, rigOptions{})

	require.Equal(t, OutcomeCompleted, r.mixer.Speak("same line", "ava", true))
	require.Equal(t, OutcomeCompleted, r.mixer.Speak("same line", "ava", true))

	assert.Equal(t, 1, r.engine.Calls(), "the second speak must not invoke the backend")

	items, _ := r.cache.Stats()
	assert.Equal(t, 1, items)
}

func TestMixer_SupersedeCancelsPrevious(t *testing.T) {
	r := newRig(t, rigOptions{engineDelay: 200 * time.Millisecond})

	first := r.mixer.Submit("first line", "")
	time.Sleep(20 * time.Millisecond)
	second := r.mixer.Submit("second line", "")

	// The superseded utterance resolves as cancelled right away, not when
	// its abandoned generation eventually unwinds.
	assert.Equal(t, OutcomeCancelled, first.Wait(waitCtx(t, 100*time.Millisecond)))

	assert.Equal(t, OutcomeCompleted, second.Wait(waitCtx(t, 5*time.Second)))
	assert.Greater(t, second.Generation(), first.Generation())
}

func TestMixer_RapidSupersedeLatestWins(t *testing.T) {
	r := newRig(t, rigOptions{engineDelay: 50 * time.Millisecond})

	var futures []*Pending
	for _, text := range []string{"one", "two", "three", "four"} {
		futures = append(futures, r.mixer.Submit(text, ""))
	}

	last := futures[len(futures)-1]
	assert.Equal(t, OutcomeCompleted, last.Wait(waitCtx(t, 5*time.Second)))

	for _, p := range futures[:len(futures)-1] {
		assert.Equal(t, OutcomeCancelled, p.Outcome(), "superseded utterance %d", p.Generation())
	}
}

func TestMixer_StopVoiceIdleIsNoop(t *testing.T) {
	r := newRig(t, rigOptions{})

	r.mixer.StopVoice()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, r.mixer.VoiceActive())
	assert.Zero(t, r.events.count(), "idle StopVoice must not publish events")
}

func TestMixer_StopVoiceCancelsPlayback(t *testing.T) {
	r := newRig(t, rigOptions{clipDuration: 5 * time.Second})

	p := r.mixer.Submit("a very long speech", "")
	require.Eventually(t, func() bool {
		return len(r.events.byType(bus.EventTypeVoiceStarted)) == 1
	}, 2*time.Second, 10*time.Millisecond, "playback should start")

	r.mixer.StopVoice()

	assert.Equal(t, OutcomeCancelled, p.Wait(waitCtx(t, time.Second)))
	assert.False(t, r.mixer.VoiceActive())

	handles := r.device.Handles()
	require.NotEmpty(t, handles)
	assert.True(t, handles[len(handles)-1].IsClosed(), "cancel must stop the handle")
}

func TestMixer_MusicDucksWhileVoicePlays(t *testing.T) {
	r := newRig(t, rigOptions{clipDuration: 300 * time.Millisecond})
	r.writeAsset(t, "theme.wav", 50*time.Millisecond)

	r.mixer.PlayMusic(filepath.Join(r.assetDir, "theme.wav"), true)
	music := r.musicHandle()
	require.NotNil(t, music)
	assert.Equal(t, 0.6, music.Volume())

	p := r.mixer.Submit("duck the music", "")

	require.Eventually(t, func() bool {
		return music.Volume() == 0.2
	}, 2*time.Second, 5*time.Millisecond, "music should duck when voice starts")

	assert.Equal(t, OutcomeCompleted, p.Wait(waitCtx(t, 5*time.Second)))
	require.Eventually(t, func() bool {
		return music.Volume() == 0.6
	}, time.Second, 5*time.Millisecond, "music should restore after voice completes")
}

func TestMixer_MusicRestoredOnCancel(t *testing.T) {
	r := newRig(t, rigOptions{clipDuration: 5 * time.Second})
	r.writeAsset(t, "theme.wav", 50*time.Millisecond)

	r.mixer.PlayMusic(filepath.Join(r.assetDir, "theme.wav"), true)
	music := r.musicHandle()
	require.NotNil(t, music)

	p := r.mixer.Submit("to be interrupted", "")
	require.Eventually(t, func() bool {
		return music.Volume() == 0.2
	}, 2*time.Second, 5*time.Millisecond)

	r.mixer.StopVoice()

	assert.Equal(t, OutcomeCancelled, p.Wait(waitCtx(t, time.Second)))
	assert.Equal(t, 0.6, music.Volume(), "cancel must restore music volume")
}

func TestMixer_BlockingSpeakExpires(t *testing.T) {
	r := newRig(t, rigOptions{
		clipDuration: 10 * time.Second,
		speakTimeout: 200 * time.Millisecond,
	})
	r.writeAsset(t, "theme.wav", 50*time.Millisecond)
	r.mixer.PlayMusic(filepath.Join(r.assetDir, "theme.wav"), true)

	start := time.Now()
	outcome := r.mixer.Speak("endless drone", "", true)

	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, r.mixer.VoiceActive())

	music := r.musicHandle()
	require.NotNil(t, music)
	assert.Equal(t, 0.6, music.Volume(), "timeout must restore music volume")
}

func TestMixer_GenerationTimeout(t *testing.T) {
	r := newRig(t, rigOptions{
		engineDelay:  5 * time.Second,
		synthTimeout: 60 * time.Millisecond,
	})

	start := time.Now()
	outcome := r.mixer.Speak("too slow to make", "", true)

	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, time.Since(start), 2*time.Second)

	items, _ := r.cache.Stats()
	assert.Equal(t, 0, items, "no artifact should be cached on timeout")
}

func TestMixer_GenerationFailure(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.engine.Err = errors.New("backend exploded")

	p := r.mixer.Submit("doomed", "")
	assert.Equal(t, OutcomeFailed, p.Wait(waitCtx(t, 5*time.Second)))
	require.Error(t, p.Err())
	assert.ErrorIs(t, p.Err(), synth.ErrFailed)
}

func TestMixer_EmptyTextCompletesImmediately(t *testing.T) {
	r := newRig(t, rigOptions{})

	outcome := r.mixer.Speak("   ", "", true)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 0, r.engine.Calls())
	assert.False(t, r.mixer.VoiceActive())
}

func TestMixer_PlaySfx(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.writeAsset(t, "click.wav", 20*time.Millisecond)

	r.mixer.PlaySfx(effects.EffectClick)

	handles := r.device.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, 0.9, handles[0].Volume())
	assert.True(t, handles[0].WasPlayed())

	require.Eventually(t, func() bool {
		return len(r.events.byType(bus.EventTypeEffectPlayed)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMixer_PlaySfxMissingIsSilent(t *testing.T) {
	r := newRig(t, rigOptions{})

	r.mixer.PlaySfx("ghost")

	assert.Empty(t, r.device.Handles())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.events.byType(bus.EventTypeEffectPlayed))
}

func TestMixer_PlayMusicInvalidMediaAbsorbed(t *testing.T) {
	r := newRig(t, rigOptions{})
	bad := filepath.Join(r.assetDir, "broken.wav")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not audio"), 0o644))

	r.mixer.PlayMusic(bad, true)

	assert.False(t, r.mixer.MusicPlaying())
}

func TestMixer_MusicReplaceStopsPrevious(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.writeAsset(t, "a.wav", 50*time.Millisecond)
	r.writeAsset(t, "b.wav", 50*time.Millisecond)

	r.mixer.PlayMusic(filepath.Join(r.assetDir, "a.wav"), true)
	first := r.musicHandle()
	require.NotNil(t, first)

	r.mixer.PlayMusic(filepath.Join(r.assetDir, "b.wav"), true)

	assert.True(t, first.IsClosed(), "replaced track must stop")
	assert.True(t, r.mixer.MusicPlaying())

	r.mixer.StopMusic()
	assert.False(t, r.mixer.MusicPlaying())
}

func TestMixer_ShutdownIsIdempotent(t *testing.T) {
	r := newRig(t, rigOptions{clipDuration: 5 * time.Second})

	p := r.mixer.Submit("cut off by shutdown", "")

	r.mixer.Shutdown()
	r.mixer.Shutdown()

	assert.Equal(t, OutcomeCancelled, p.Outcome())
	assert.True(t, r.device.Closed())

	after := r.mixer.Submit("after shutdown", "")
	assert.Equal(t, OutcomeCancelled, after.Outcome())
}

func waitCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
