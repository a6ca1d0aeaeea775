package synth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEngine_Synthesize(t *testing.T) {
	tests := []struct {
		name           string
		responseStatus int
		responseBody   []byte
		wantErr        bool
	}{
		{
			name:           "successful synthesis",
			responseStatus: http.StatusOK,
			responseBody:   []byte("fake wav audio data"),
			wantErr:        false,
		},
		{
			name:           "service error",
			responseStatus: http.StatusInternalServerError,
			responseBody:   []byte(`{"error":"synthesis failed"}`),
			wantErr:        true,
		},
		{
			name:           "bad request",
			responseStatus: http.StatusBadRequest,
			responseBody:   []byte(`{"error":"text too long"}`),
			wantErr:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/tts", r.URL.Path)
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)

				var req map[string]interface{}
				require.NoError(t, json.Unmarshal(body, &req))
				assert.Equal(t, "Hello world", req["text"])
				assert.Equal(t, "ava", req["voice"])

				w.WriteHeader(tt.responseStatus)
				w.Write(tt.responseBody)
			}))
			defer server.Close()

			engine := NewHTTPEngine(HTTPConfig{ServiceURL: server.URL}, zerolog.Nop())

			audio, err := engine.Synthesize(context.Background(), "Hello world", "ava")

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, audio)
				assert.Contains(t, err.Error(), "error")
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.responseBody, audio)
			}
		})
	}
}

func TestHTTPEngine_ContextCancel(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	engine := NewHTTPEngine(HTTPConfig{ServiceURL: server.URL}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Synthesize(ctx, "Hello", "ava")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPEngine_DefaultURL(t *testing.T) {
	engine := NewHTTPEngine(HTTPConfig{}, zerolog.Nop())
	assert.Equal(t, "http://localhost:8899", engine.cfg.ServiceURL)
	assert.Equal(t, "http", engine.Name())
}
