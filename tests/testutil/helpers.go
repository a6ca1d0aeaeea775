// Package testutil provides shared helpers for integration and performance
// tests: canned WAV clips and a mock synthesis service that speaks the HTTP
// engine's protocol.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// GenerateTestWAV builds a silent 16-bit PCM mono WAV clip of the given
// duration at 22050 Hz.
func GenerateTestWAV(t *testing.T, duration time.Duration) []byte {
	t.Helper()
	return buildWAV(duration, 22050, 1)
}

func buildWAV(duration time.Duration, sampleRate, channels int) []byte {
	frames := int(duration * time.Duration(sampleRate) / time.Second)
	pcm := frames * channels * 2

	out := make([]byte, 44+pcm)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+pcm))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(pcm))
	return out
}

// MockSynthService is an httptest server answering the synthesis service
// protocol: POST /tts with a JSON body returns complete WAV bytes. It counts
// requests and can simulate latency and failures.
type MockSynthService struct {
	Server *httptest.Server

	// ClipDuration sizes every returned clip.
	ClipDuration time.Duration

	delay    atomic.Int64 // nanoseconds
	failing  atomic.Bool
	requests atomic.Int64
}

// CreateMockSynthService starts a mock synthesis service and registers its
// shutdown with the test.
func CreateMockSynthService(t *testing.T) *MockSynthService {
	t.Helper()

	s := &MockSynthService{ClipDuration: 40 * time.Millisecond}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"status":     "healthy",
				"components": map[string]string{"tts": "loaded"},
			})

		case "/tts":
			s.requests.Add(1)

			var req struct {
				Text  string `json:"text"`
				Voice string `json:"voice"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "missing text"})
				return
			}

			if d := time.Duration(s.delay.Load()); d > 0 {
				select {
				case <-time.After(d):
				case <-r.Context().Done():
					return
				}
			}
			if s.failing.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{"error": "synthesis backend exploded"})
				return
			}

			w.Header().Set("Content-Type", "audio/wav")
			w.Write(buildWAV(s.ClipDuration, 22050, 1))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// URL returns the service base URL.
func (s *MockSynthService) URL() string {
	return s.Server.URL
}

// Requests reports how many synthesis requests the service has received.
func (s *MockSynthService) Requests() int {
	return int(s.requests.Load())
}

// SetDelay makes every subsequent synthesis request take at least d.
func (s *MockSynthService) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// SetFailing makes every subsequent synthesis request return a server error.
func (s *MockSynthService) SetFailing(failing bool) {
	s.failing.Store(failing)
}
