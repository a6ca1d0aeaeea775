package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/voicedeck/internal/bus"
	"github.com/normanking/voicedeck/internal/config"
	"github.com/normanking/voicedeck/internal/effects"
	"github.com/normanking/voicedeck/internal/logging"
	"github.com/normanking/voicedeck/internal/mixer"
	"github.com/normanking/voicedeck/internal/player"
	"github.com/normanking/voicedeck/internal/speechcache"
	"github.com/normanking/voicedeck/internal/synth"
)

var (
	cfgFile        string
	silent         bool
	engineOverride string

	speakVoice   string
	speakNoBlock bool
	speakTimeout time.Duration
	musicLoop    bool
	demoMusic    string
)

var rootCmd = &cobra.Command{
	Use:   "voicedeck",
	Short: "VoiceDeck - cached speech playback with effects and music",
	Long: `VoiceDeck speaks text through a synthesis backend, caching every
generated clip so repeated lines play instantly. Alongside the voice channel
it runs a looping music channel (ducked while speech plays) and a sound
effect channel for short interaction cues.

Configuration:
  1. --config flag (explicit path)
  2. $HOME/.voicedeck/config.yaml
  3. ./config.yaml (current directory)

Environment Variables:
  VOICEDECK_SYNTH_ENGINE       - synthesis backend (command, http, stream, stub)
  VOICEDECK_SYNTH_SERVICE_URL  - HTTP/websocket backend endpoint
  VOICEDECK_SYNTH_VOICE        - default voice
  VOICEDECK_CACHE_MAX_ITEMS    - speech cache item limit
  VOICEDECK_CACHE_MAX_BYTES    - speech cache size limit`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.voicedeck/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "no audio hardware: stub device and local synth stub")
	rootCmd.PersistentFlags().StringVar(&engineOverride, "engine", "", "override the synthesis backend (command, http, stream, stub)")

	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice to speak with (default from config)")
	speakCmd.Flags().BoolVar(&speakNoBlock, "no-block", false, "submit asynchronously and report the outcome when it lands")
	speakCmd.Flags().DurationVar(&speakTimeout, "timeout", 0, "blocking wait bound (default from config)")
	musicCmd.Flags().BoolVar(&musicLoop, "loop", true, "loop the track")
	demoCmd.Flags().StringVar(&demoMusic, "music", "", "background track for the demo")

	rootCmd.AddCommand(speakCmd)
	rootCmd.AddCommand(sfxCmd)
	rootCmd.AddCommand(musicCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ============== Wiring ==============

// deck is the assembled playback stack behind every audio command.
type deck struct {
	cfg     *config.Config
	log     *logging.Logger
	bus     *bus.EventBus
	cache   *speechcache.Cache
	effects *effects.Cache
	watcher *effects.Watcher
	mixer   *mixer.Mixer
}

func openDeck() (*deck, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if engineOverride != "" {
		cfg.Synth.Engine = engineOverride
	}
	if silent {
		cfg.Synth.Engine = "stub"
	}
	if speakTimeout > 0 {
		cfg.Audio.SpeakTimeout = speakTimeout
	}

	log, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	zlog := log.Zerolog()

	eventBus := bus.NewEventBus()

	cache, err := speechcache.New(speechcache.Config{
		Dir:      cfg.Cache.Dir,
		MaxItems: cfg.Cache.MaxItems,
		MaxBytes: cfg.Cache.MaxBytes,
	}, eventBus, zlog)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open speech cache: %w", err)
	}

	device, err := buildDevice(cfg, zlog)
	if err != nil {
		cache.Close()
		log.Close()
		return nil, fmt.Errorf("failed to open audio device: %w", err)
	}

	engine, err := buildEngine(cfg, zlog)
	if err != nil {
		device.Close()
		cache.Close()
		log.Close()
		return nil, err
	}

	fx := effects.NewCache(cfg.Effects.Capacity,
		effects.NewDirLoader(cfg.Effects.Dir, device, zlog), zlog)

	var watcher *effects.Watcher
	if cfg.Effects.Watch {
		watcher, err = effects.NewWatcher(cfg.Effects.Dir, fx, zlog)
		if err != nil {
			zlog.Warn().Err(err).Str("dir", cfg.Effects.Dir).Msg("Effect assets not watched")
			watcher = nil
		}
	}

	m, err := mixer.New(mixer.Config{
		DefaultVoice:      cfg.Synth.Voice,
		VoiceVolume:       cfg.Audio.VoiceVolume,
		SfxVolume:         cfg.Audio.SfxVolume,
		MusicVolume:       cfg.Audio.MusicVolume,
		MusicDuckedVolume: cfg.Audio.MusicDuckedVolume,
		SpeakTimeout:      cfg.Audio.SpeakTimeout,
	}, mixer.Deps{
		Cache:     cache,
		Generator: synth.NewGenerator(engine, cfg.Synth.Timeout, zlog),
		Device:    device,
		Effects:   fx,
		Bus:       eventBus,
		Logger:    zlog,
	})
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		fx.Close()
		device.Close()
		cache.Close()
		log.Close()
		return nil, err
	}

	return &deck{
		cfg:     cfg,
		log:     log,
		bus:     eventBus,
		cache:   cache,
		effects: fx,
		watcher: watcher,
		mixer:   m,
	}, nil
}

func (d *deck) close() {
	d.mixer.Shutdown()
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.effects.Close()
	d.cache.Close()
	d.log.Close()
}

func buildDevice(cfg *config.Config, logger zerolog.Logger) (player.Device, error) {
	if silent {
		return player.NewStubDevice(), nil
	}
	return player.NewOtoDevice(player.Config{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
	}, logger)
}

func buildEngine(cfg *config.Config, logger zerolog.Logger) (synth.Engine, error) {
	switch cfg.Synth.Engine {
	case "command":
		return synth.NewCommandEngine(synth.CommandConfig{
			BinaryPath: cfg.Synth.BinaryPath,
			ModelsDir:  cfg.Synth.ModelsDir,
			Grace:      cfg.Synth.Grace,
		}, logger), nil
	case "http":
		return synth.NewHTTPEngine(synth.HTTPConfig{
			ServiceURL: cfg.Synth.ServiceURL,
		}, logger), nil
	case "stream":
		return synth.NewStreamEngine(synth.StreamConfig{
			ServiceURL: cfg.Synth.ServiceURL,
		}, logger), nil
	case "stub":
		return synth.NewStubEngine(cfg.Audio.SampleRate, cfg.Audio.Channels), nil
	default:
		return nil, fmt.Errorf("unknown synthesis engine %q", cfg.Synth.Engine)
	}
}

// notifyInterrupt forwards SIGINT/SIGTERM to fn.
func notifyInterrupt(fn func()) (cleanup func()) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-stop; ok {
			fn()
		}
	}()
	return func() { signal.Stop(stop) }
}

// ============== Speak Command ==============

var speakCmd = &cobra.Command{
	Use:   "speak [text...]",
	Short: "Synthesize text and play it on the voice channel",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSpeak,
}

func runSpeak(cmd *cobra.Command, args []string) error {
	d, err := openDeck()
	if err != nil {
		return err
	}
	defer d.close()
	defer notifyInterrupt(d.mixer.StopVoice)()

	text := strings.Join(args, " ")

	var outcome mixer.Outcome
	if speakNoBlock {
		p := d.mixer.Submit(text, speakVoice)
		fmt.Printf("queued utterance %d\n", p.Generation())
		<-p.Done()
		outcome = p.Outcome()
	} else {
		outcome = d.mixer.Speak(text, speakVoice, true)
	}

	fmt.Println(outcome)
	if outcome == mixer.OutcomeFailed || outcome == mixer.OutcomeTimedOut {
		return fmt.Errorf("speech ended %s", outcome)
	}
	return nil
}

// ============== Sfx Command ==============

var sfxCmd = &cobra.Command{
	Use:   "sfx [name]",
	Short: "Fire a sound effect (click, success, error, level_complete, or an asset name)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSfx,
}

func runSfx(cmd *cobra.Command, args []string) error {
	d, err := openDeck()
	if err != nil {
		return err
	}
	defer d.close()

	played := make(chan struct{}, 1)
	d.bus.Subscribe(bus.EventTypeEffectPlayed, func(bus.Event) {
		select {
		case played <- struct{}{}:
		default:
		}
	})

	d.mixer.PlaySfx(args[0])

	select {
	case <-played:
		// Fire-and-forget: give the clip time to drain before the device
		// closes.
		time.Sleep(time.Second)
		return nil
	case <-time.After(250 * time.Millisecond):
		return fmt.Errorf("no asset for effect %q in %s", args[0], d.cfg.Effects.Dir)
	}
}

// ============== Music Command ==============

var musicCmd = &cobra.Command{
	Use:   "music [path]",
	Short: "Play a background track until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runMusic,
}

func runMusic(cmd *cobra.Command, args []string) error {
	d, err := openDeck()
	if err != nil {
		return err
	}
	defer d.close()

	d.mixer.PlayMusic(args[0], musicLoop)
	if !d.mixer.MusicPlaying() {
		return fmt.Errorf("could not play %s", args[0])
	}

	fmt.Printf("playing %s (Ctrl+C to stop)\n", args[0])
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	<-stop

	d.mixer.StopMusic()
	return nil
}

// ============== Demo Command ==============

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Exercise all three channels: speech, effects, ducked music",
	RunE:  runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	d, err := openDeck()
	if err != nil {
		return err
	}
	defer d.close()
	defer notifyInterrupt(d.mixer.StopVoice)()

	d.bus.Subscribe(bus.EventTypeVoiceCompleted, func(event bus.Event) {
		fmt.Printf("  utterance %v -> %v\n", event.Data["generation"], event.Data["outcome"])
	})

	if demoMusic != "" {
		d.mixer.PlayMusic(demoMusic, true)
	}

	d.mixer.PlaySfx(effects.EffectClick)

	fmt.Println("cold cache:")
	d.mixer.Speak("Welcome to voice deck.", speakVoice, true)

	fmt.Println("warm cache:")
	d.mixer.Speak("Welcome to voice deck.", speakVoice, true)
	d.mixer.PlaySfx(effects.EffectSuccess)

	fmt.Println("interrupt:")
	d.mixer.Submit("This sentence is destined to be cut off somewhere along the way.", speakVoice)
	time.Sleep(600 * time.Millisecond)
	d.mixer.Speak("Never mind that.", speakVoice, true)
	d.mixer.PlaySfx(effects.EffectLevelComplete)

	if demoMusic != "" {
		d.mixer.StopMusic()
	}

	// Let the last async events land before tearing down.
	time.Sleep(300 * time.Millisecond)

	items, size := d.cache.Stats()
	fmt.Printf("cache now holds %d artifacts (%s)\n", items, humanize.IBytes(uint64(size)))
	return nil
}

// ============== Cache Commands ==============

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the speech cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache occupancy against its limits",
	RunE:  runCacheStats,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Enforce the cache limits now",
	RunE:  runCacheSweep,
}

// openCache assembles just the cache, for commands that never touch audio.
func openCache() (*config.Config, *logging.Logger, *speechcache.Cache, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	cache, err := speechcache.New(speechcache.Config{
		Dir:      cfg.Cache.Dir,
		MaxItems: cfg.Cache.MaxItems,
		MaxBytes: cfg.Cache.MaxBytes,
	}, bus.NewEventBus(), log.Zerolog())
	if err != nil {
		log.Close()
		return nil, nil, nil, fmt.Errorf("failed to open speech cache: %w", err)
	}
	return cfg, log, cache, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, log, cache, err := openCache()
	if err != nil {
		return err
	}
	defer log.Close()
	defer cache.Close()

	items, size := cache.Stats()
	fmt.Printf("artifacts: %d / %d\n", items, cfg.Cache.MaxItems)
	fmt.Printf("size:      %s / %s\n",
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(cfg.Cache.MaxBytes)))
	fmt.Printf("location:  %s\n", cfg.Cache.Dir)
	return nil
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	_, log, cache, err := openCache()
	if err != nil {
		return err
	}
	defer log.Close()
	defer cache.Close()

	before, beforeSize := cache.Stats()
	cache.EnforceLimits()
	after, afterSize := cache.Stats()

	fmt.Printf("swept %d artifacts (%s reclaimed), %d remain (%s)\n",
		before-after, humanize.IBytes(uint64(beforeSize-afterSize)),
		after, humanize.IBytes(uint64(afterSize)))
	return nil
}
