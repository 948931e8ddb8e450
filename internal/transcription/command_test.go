package transcription

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/yegors/voicejournal/pkg/logger"
)

func fakeCommand(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "whisper-json")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake command: %v", err)
	}
	return path
}

func TestCommandEngineSubstitutesInput(t *testing.T) {
	// Echo the received path back as the transcript
	cmd := fakeCommand(t, `printf '{"text": "%s", "language": "French"}' "$2"`)
	engine, err := NewCommandEngine(cmd, []string{"--audio", "{input}"}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewCommandEngine: %v", err)
	}

	res, err := engine.Transcribe(context.Background(), "/tmp/reflection-1.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "/tmp/reflection-1.wav" {
		t.Errorf("text = %q, want the waveform path", res.Text)
	}
	if res.Language != "fr" {
		t.Errorf("language = %q, want fr", res.Language)
	}
}

func TestCommandEngineAppendsInputAndJoinsSegments(t *testing.T) {
	cmd := fakeCommand(t, `echo '{"language": "en", "segments": [{"text": " first part "}, {"text": "second part"}]}'`)
	engine, err := NewCommandEngine(cmd, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("NewCommandEngine: %v", err)
	}

	res, err := engine.Transcribe(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "first part second part" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestCommandEngineFailure(t *testing.T) {
	cmd := fakeCommand(t, `echo "CUDA out of memory" >&2; exit 3`)
	engine, err := NewCommandEngine(cmd, nil, logger.NewNop())
	if err != nil {
		t.Fatalf("NewCommandEngine: %v", err)
	}

	_, err = engine.Transcribe(context.Background(), "in.wav")
	if err == nil || !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("err = %v, want stderr in message", err)
	}
}

func TestCommandEngineBadOutput(t *testing.T) {
	cmd := fakeCommand(t, `echo "not json"`)
	engine, _ := NewCommandEngine(cmd, nil, logger.NewNop())
	if _, err := engine.Transcribe(context.Background(), "in.wav"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewCommandEngineMissingBinary(t *testing.T) {
	if _, err := NewCommandEngine(filepath.Join(t.TempDir(), "absent"), nil, logger.NewNop()); err == nil {
		t.Error("expected error for missing binary")
	}
}
