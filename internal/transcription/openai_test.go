package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yegors/voicejournal/internal/config"
	"github.com/yegors/voicejournal/pkg/logger"
)

func configFor(provider string) config.EngineConfig {
	return config.EngineConfig{Provider: provider}
}

func writeWaveform(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reflection.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatalf("write waveform: %v", err)
	}
	return path
}

func TestOpenAIEngineTranscribe(t *testing.T) {
	var gotFields map[string]string
	var gotFile string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		gotFile = hdr.Filename + ":" + string(data)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text":     "  I felt calm after the long walk.  ",
			"language": "english",
			"duration": 3.2,
		})
	}))
	defer srv.Close()

	engine, err := NewOpenAIEngine(OpenAIConfig{
		APIKey:   "sk-test",
		Model:    "whisper-1",
		Language: "en",
		BaseURL:  srv.URL + "/",
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewOpenAIEngine: %v", err)
	}

	res, err := engine.Transcribe(context.Background(), writeWaveform(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "I felt calm after the long walk." {
		t.Errorf("text = %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("language = %q, want en", res.Language)
	}
	if gotFields["model"] != "whisper-1" || gotFields["response_format"] != "verbose_json" || gotFields["language"] != "en" {
		t.Errorf("fields = %v", gotFields)
	}
	if gotFile != "reflection.wav:RIFF....WAVEfmt " {
		t.Errorf("file part = %q", gotFile)
	}
}

func TestOpenAIEngineErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "Rate limit reached", "type": "requests"}}`))
	}))
	defer srv.Close()

	engine, err := NewOpenAIEngine(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewOpenAIEngine: %v", err)
	}

	_, err = engine.Transcribe(context.Background(), writeWaveform(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "Rate limit reached") {
		t.Errorf("err = %v", err)
	}
}

func TestOpenAIEngineRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEngine(OpenAIConfig{}, logger.NewNop()); err == nil {
		t.Error("expected error without API key")
	}
}

func TestHandleFromConfigOpenAIMissingKeyIsEngineError(t *testing.T) {
	h, err := NewHandleFromConfig(config.EngineConfig{Provider: "openai"}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewHandleFromConfig: %v", err)
	}
	_, err = h.Transcribe(context.Background(), writeWaveform(t))
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("err = %v, want *EngineError", err)
	}
}
