package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

// inputPlaceholder in CommandArgs is replaced with the waveform path
const inputPlaceholder = "{input}"

// CommandEngine runs a local speech-to-text program, such as a whisper wrapper,
// that prints {"text": ..., "language": ...} on stdout.
type CommandEngine struct {
	command string
	args    []string
	logger  *logger.Logger
}

// NewCommandEngine checks that the program exists and returns an engine for it
func NewCommandEngine(command string, args []string, log *logger.Logger) (*CommandEngine, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("transcription command not found: %w", err)
	}
	return &CommandEngine{
		command: path,
		args:    args,
		logger:  log.Named("command"),
	}, nil
}

// Name returns the provider name
func (e *CommandEngine) Name() string {
	return "command"
}

type commandOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
}

// Transcribe runs the program on the waveform and parses its output
func (e *CommandEngine) Transcribe(ctx context.Context, waveformPath string) (Result, error) {
	args := make([]string, 0, len(e.args)+1)
	substituted := false
	for _, a := range e.args {
		if strings.Contains(a, inputPlaceholder) {
			a = strings.ReplaceAll(a, inputPlaceholder, waveformPath)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, waveformPath)
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("%s failed: %w: %s", e.command, err, strings.TrimSpace(stderr.String()))
	}

	var parsed commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to parse command output: %w", err)
	}

	text := parsed.Text
	if text == "" && len(parsed.Segments) > 0 {
		parts := make([]string, 0, len(parsed.Segments))
		for _, s := range parsed.Segments {
			if t := strings.TrimSpace(s.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, " ")
	}

	e.logger.Debug("Transcription complete", String("elapsed", time.Since(start).String()))

	return Result{
		Text:     strings.TrimSpace(text),
		Language: normalizeLanguage(parsed.Language),
	}, nil
}
