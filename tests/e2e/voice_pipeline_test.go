package e2e

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/voicedeck/internal/bus"
	"github.com/normanking/voicedeck/internal/effects"
	"github.com/normanking/voicedeck/internal/mixer"
	"github.com/normanking/voicedeck/internal/player"
	"github.com/normanking/voicedeck/internal/speechcache"
	"github.com/normanking/voicedeck/internal/synth"
	"github.com/normanking/voicedeck/tests/testutil"
)

// deck bundles a fully wired pipeline: mock synthesis service → HTTP engine →
// generator → speech cache → mixer on a stub device.
type deck struct {
	mixer    *mixer.Mixer
	cache    *speechcache.Cache
	device   *player.StubDevice
	service  *testutil.MockSynthService
	cacheDir string
	assetDir string
}

func buildDeck(t *testing.T, logger zerolog.Logger, synthTimeout time.Duration) *deck {
	t.Helper()

	service := testutil.CreateMockSynthService(t)
	// Clips long enough that playback-window assertions cannot race the poll.
	service.ClipDuration = 250 * time.Millisecond
	engine := synth.NewHTTPEngine(synth.HTTPConfig{ServiceURL: service.URL()}, logger)

	eventBus := bus.NewEventBus()
	cacheDir := t.TempDir()
	cache, err := speechcache.New(speechcache.Config{
		Dir:      cacheDir,
		MaxItems: 32,
		MaxBytes: 8 << 20,
	}, eventBus, logger)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	device := player.NewStubDevice()
	assetDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(assetDir, "correct.wav"), testutil.GenerateTestWAV(t, 30*time.Millisecond), 0o644))
	fx := effects.NewCache(4, effects.NewDirLoader(assetDir, device, logger), logger)
	t.Cleanup(fx.Close)

	m, err := mixer.New(mixer.Config{
		DefaultVoice: "en-US-JennyNeural",
		SpeakTimeout: 5 * time.Second,
	}, mixer.Deps{
		Cache:     cache,
		Generator: synth.NewGenerator(engine, synthTimeout, logger),
		Device:    device,
		Effects:   fx,
		Bus:       eventBus,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	return &deck{
		mixer:    m,
		cache:    cache,
		device:   device,
		service:  service,
		cacheDir: cacheDir,
		assetDir: assetDir,
	}
}

// musicHandle returns the most recent looping handle opened on the device.
func (d *deck) musicHandle() *player.StubHandle {
	handles := d.device.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		if handles[i].Looping() {
			return handles[i]
		}
	}
	return nil
}

// TestSpeechPipelineE2E drives the complete speech cycle:
// Speak → cache lookup → synthesis → artifact publish → playback → completion.
func TestSpeechPipelineE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	d := buildDeck(t, logger, 5*time.Second)

	t.Run("FullSpeechCycle", func(t *testing.T) {
		startTime := time.Now()

		// Step 1: cache miss, synthesis runs, artifact lands in the cache.
		t.Log("Step 1: Testing cache-miss Speak...")
		missStart := time.Now()
		outcome := d.mixer.Speak("Great job!", "V1", true)
		missLatency := time.Since(missStart)

		require.Equal(t, mixer.OutcomeCompleted, outcome)
		assert.Equal(t, 1, d.service.Requests(), "Miss should invoke the backend once")

		artifact := d.cache.Path("Great job!", "V1")
		info, err := os.Stat(artifact)
		require.NoError(t, err, "Artifact should exist at the deterministic path")
		assert.Greater(t, info.Size(), int64(44), "Artifact should carry audio beyond the header")
		t.Logf("✓ Cache-miss Speak completed in %v (%d artifact bytes)", missLatency, info.Size())

		// Step 2: identical request is a cache hit, zero backend invocations.
		t.Log("Step 2: Testing cache-hit Speak...")
		hitStart := time.Now()
		outcome = d.mixer.Speak("Great job!", "V1", true)
		hitLatency := time.Since(hitStart)

		require.Equal(t, mixer.OutcomeCompleted, outcome)
		assert.Equal(t, 1, d.service.Requests(), "Hit should not invoke the backend")
		t.Logf("✓ Cache-hit Speak completed in %v", hitLatency)

		// Step 3: music ducks while Voice plays and recovers afterwards.
		t.Log("Step 3: Testing music ducking across playback...")
		musicPath := filepath.Join(t.TempDir(), "music.wav")
		require.NoError(t, os.WriteFile(musicPath, testutil.GenerateTestWAV(t, 50*time.Millisecond), 0o644))
		d.mixer.PlayMusic(musicPath, true)

		music := d.musicHandle()
		require.NotNil(t, music)
		assert.InDelta(t, 0.6, music.Volume(), 0.001, "Music should start at normal volume")

		pending := d.mixer.Submit("Counting down from three", "V1")
		require.Eventually(t, func() bool {
			return music.Volume() < 0.6
		}, 3*time.Second, 5*time.Millisecond, "Music should duck once Voice starts")
		assert.InDelta(t, 0.2, music.Volume(), 0.001)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.Equal(t, mixer.OutcomeCompleted, pending.Wait(ctx))
		assert.InDelta(t, 0.6, music.Volume(), 0.001, "Music should recover after completion")
		d.mixer.StopMusic()
		t.Logf("✓ Ducking held across playback")

		// Step 4: fire-and-forget effect playback.
		t.Log("Step 4: Testing effect playback...")
		d.mixer.PlaySfx(effects.EffectSuccess)

		totalLatency := time.Since(startTime)
		t.Log("\n=== E2E Pipeline Summary ===")
		t.Logf("Miss Latency:  %v", missLatency)
		t.Logf("Hit Latency:   %v", hitLatency)
		t.Logf("Total:         %v", totalLatency)
		t.Log("===========================")
	})

	t.Run("CompletionEvents", func(t *testing.T) {
		eventBus := bus.NewEventBus()
		local := buildDeckWithBus(t, logger, eventBus)

		var completed atomic.Int64
		eventBus.Subscribe(bus.EventTypeVoiceCompleted, func(evt bus.Event) {
			if evt.Data["outcome"] == string(mixer.OutcomeCompleted) {
				completed.Add(1)
			}
		})

		require.Equal(t, mixer.OutcomeCompleted, local.Speak("One event per utterance", "V1", true))
		require.Eventually(t, func() bool {
			return completed.Load() == 1
		}, 2*time.Second, 5*time.Millisecond, "Completion should publish exactly once")
	})

	t.Run("ErrorScenarios", func(t *testing.T) {
		t.Run("MissingEffectAsset", func(t *testing.T) {
			before := len(d.device.Handles())
			d.mixer.PlaySfx("nonexistent")
			assert.Len(t, d.device.Handles(), before, "Missing asset should not open a handle")
		})

		t.Run("StopVoiceWhenIdle", func(t *testing.T) {
			assert.False(t, d.mixer.VoiceActive())
			d.mixer.StopVoice()
			assert.False(t, d.mixer.VoiceActive())
		})

		t.Run("BackendFailure", func(t *testing.T) {
			d.service.SetFailing(true)
			defer d.service.SetFailing(false)

			outcome := d.mixer.Speak("This one breaks", "V1", true)
			assert.Equal(t, mixer.OutcomeFailed, outcome)
			assert.False(t, d.mixer.VoiceActive(), "Failure should leave Voice idle")
		})

		t.Run("SupersededSpeak", func(t *testing.T) {
			d.service.SetDelay(200 * time.Millisecond)
			defer d.service.SetDelay(0)

			first := d.mixer.Submit("The first utterance", "V1")
			second := d.mixer.Submit("The second utterance", "V1")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			assert.Equal(t, mixer.OutcomeCancelled, first.Wait(ctx))
			assert.Equal(t, mixer.OutcomeCompleted, second.Wait(ctx))
		})
	})
}

// TestSpeechPipelineTimeout verifies the synthesis deadline: a backend slower
// than the timeout yields TimedOut and never publishes a partial artifact.
func TestSpeechPipelineTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	d := buildDeck(t, logger, 150*time.Millisecond)
	d.service.SetDelay(1 * time.Second)

	start := time.Now()
	outcome := d.mixer.Speak("Too slow to make it", "V1", true)
	elapsed := time.Since(start)

	assert.Equal(t, mixer.OutcomeTimedOut, outcome)
	assert.Less(t, elapsed, 2*time.Second, "TimedOut should arrive within the deadline plus grace")

	_, err := os.Stat(d.cache.Path("Too slow to make it", "V1"))
	assert.True(t, os.IsNotExist(err), "No artifact should be visible after a timeout")

	partials, err := filepath.Glob(filepath.Join(d.cacheDir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, partials, "No partial file should remain in the cache directory")
}

// buildDeckWithBus wires a deck onto a caller-owned event bus so tests can
// observe completion events.
func buildDeckWithBus(t *testing.T, logger zerolog.Logger, eventBus *bus.EventBus) *mixer.Mixer {
	t.Helper()

	service := testutil.CreateMockSynthService(t)
	engine := synth.NewHTTPEngine(synth.HTTPConfig{ServiceURL: service.URL()}, logger)

	cache, err := speechcache.New(speechcache.Config{
		Dir:      t.TempDir(),
		MaxItems: 32,
		MaxBytes: 8 << 20,
	}, eventBus, logger)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	m, err := mixer.New(mixer.Config{SpeakTimeout: 5 * time.Second}, mixer.Deps{
		Cache:     cache,
		Generator: synth.NewGenerator(engine, 5*time.Second, logger),
		Device:    player.NewStubDevice(),
		Bus:       eventBus,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}
