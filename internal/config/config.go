// Package config provides configuration management for VoiceDeck
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Effects EffectsConfig `mapstructure:"effects"`
	Synth   SynthConfig   `mapstructure:"synth"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig configures the on-disk speech artifact cache
type CacheConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxItems int    `mapstructure:"max_items"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// EffectsConfig configures the sound effect cache
type EffectsConfig struct {
	Dir      string `mapstructure:"dir"`
	Capacity int    `mapstructure:"capacity"`
	Watch    bool   `mapstructure:"watch"` // reload effects when asset files change
}

// SynthConfig configures speech synthesis
type SynthConfig struct {
	Engine     string        `mapstructure:"engine"` // command, http, stream, stub
	BinaryPath string        `mapstructure:"binary_path"`
	ModelsDir  string        `mapstructure:"models_dir"`
	ServiceURL string        `mapstructure:"service_url"`
	Voice      string        `mapstructure:"voice"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Grace      time.Duration `mapstructure:"grace"` // kill delay after cancel signal
}

// AudioConfig configures playback and channel volumes
type AudioConfig struct {
	SampleRate        int           `mapstructure:"sample_rate"`
	Channels          int           `mapstructure:"channels"`
	VoiceVolume       float64       `mapstructure:"voice_volume"`
	SfxVolume         float64       `mapstructure:"sfx_volume"`
	MusicVolume       float64       `mapstructure:"music_volume"`
	MusicDuckedVolume float64       `mapstructure:"music_ducked_volume"`
	SpeakTimeout      time.Duration `mapstructure:"speak_timeout"` // blocking Speak wait bound
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".voicedeck")
	return &Config{
		Cache: CacheConfig{
			Dir:      filepath.Join(base, "cache", "audio"),
			MaxItems: 256,
			MaxBytes: 64 << 20, // 64 MiB
		},
		Effects: EffectsConfig{
			Dir:      filepath.Join("assets", "sfx"),
			Capacity: 8,
			Watch:    true,
		},
		Synth: SynthConfig{
			Engine:     "command",
			BinaryPath: "",
			ModelsDir:  filepath.Join(base, "voices"),
			ServiceURL: "http://localhost:8899",
			Voice:      "en-US-JennyNeural",
			Timeout:    10 * time.Second,
			Grace:      1 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:        22050,
			Channels:          1,
			VoiceVolume:       1.0,
			SfxVolume:         0.9,
			MusicVolume:       0.6,
			MusicDuckedVolume: 0.2,
			SpeakTimeout:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:     filepath.Join(base, "logs"),
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration from path, or from the default locations when
// path is empty, and applies environment overrides. On first run with no
// config file, the defaults are written out.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir)
		viper.AddConfigPath(".")
	}

	// Environment variable overrides, VOICEDECK_CACHE_MAX_ITEMS style
	viper.SetEnvPrefix("VOICEDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// An explicitly named file must exist.
		if path != "" {
			return cfg, err
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("cache", cfg.Cache)
	viper.Set("effects", cfg.Effects)
	viper.Set("synth", cfg.Synth)
	viper.Set("audio", cfg.Audio)
	viper.Set("logging", cfg.Logging)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".voicedeck"), nil
}
