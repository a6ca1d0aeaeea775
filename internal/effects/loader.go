package effects

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voicedeck/internal/player"
)

// Semantic effect names used by interaction code.
const (
	EffectClick         = "click"
	EffectSuccess       = "success"
	EffectError         = "error"
	EffectLevelComplete = "level_complete"
)

// assetNames maps semantic effect names onto their asset files. Names not
// listed here fall back to <name>.wav.
var assetNames = map[string]string{
	EffectClick:         "click.wav",
	EffectSuccess:       "correct.wav",
	EffectError:         "wrong.wav",
	EffectLevelComplete: "win.wav",
}

// AssetFile returns the asset filename an effect name resolves to.
func AssetFile(name string) string {
	if file, ok := assetNames[name]; ok {
		return file
	}
	return name + ".wav"
}

// EffectName returns the semantic name an asset filename resolves from,
// inverting AssetFile.
func EffectName(file string) string {
	for name, asset := range assetNames {
		if asset == file {
			return name
		}
	}
	return filepath.Base(file[:len(file)-len(filepath.Ext(file))])
}

// DirLoader loads effects from WAV assets in a directory, opening them on a
// playback device.
type DirLoader struct {
	dir    string
	device player.Device
	logger zerolog.Logger
}

var _ Loader = (*DirLoader)(nil)

func NewDirLoader(dir string, device player.Device, logger zerolog.Logger) *DirLoader {
	return &DirLoader{
		dir:    dir,
		device: device,
		logger: logger.With().Str("component", "effects").Logger(),
	}
}

func (l *DirLoader) Load(name string) (Resource, error) {
	path := filepath.Join(l.dir, AssetFile(name))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read effect asset: %w", err)
	}

	// Decode up front so a corrupt asset fails at load, not on first play.
	if _, err := player.DecodeWAV(data); err != nil {
		return nil, fmt.Errorf("effect asset %s: %w", path, err)
	}
	return &deviceResource{device: l.device, data: data, logger: l.logger}, nil
}

// deviceResource holds a decoded effect and fires it by opening a fresh
// short-lived handle per play, so overlapping triggers layer instead of
// cutting each other off.
type deviceResource struct {
	device player.Device
	logger zerolog.Logger

	mu     sync.Mutex
	data   []byte
	closed bool
}

const reapInterval = 25 * time.Millisecond

func (r *deviceResource) Play(volume float64) {
	r.mu.Lock()
	data := r.data
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	handle, err := r.device.Open(data, false)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Opening effect for playback failed")
		return
	}
	handle.SetVolume(volume)
	handle.Play()
	go reap(handle)
}

// reap closes the handle once its one-shot playback drains.
func reap(handle player.Handle) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for range ticker.C {
		if !handle.IsPlaying() {
			handle.Close()
			return
		}
	}
}

func (r *deviceResource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.data = nil
	return nil
}
