package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/yegors/voicejournal/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// maxStderrTail bounds how much ffmpeg diagnostic output is kept for logs
const maxStderrTail = 2048

// ConversionError reports that an input could not be turned into a waveform
type ConversionError struct {
	Input  string
	Detail string // tail of ffmpeg stderr, for logs only
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("audio conversion failed for %s: %v", filepath.Base(e.Input), e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Config contains the target format for normalized audio
type Config struct {
	FFmpegPath string
	SampleRate int
	Channels   int
	Codec      string
	TempDir    string
}

// Waveform is a normalized temporary WAV file. The holder must call Release.
type Waveform struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration

	once sync.Once
	err  error
}

// Release deletes the temporary file. It is safe to call more than once.
func (w *Waveform) Release() error {
	w.once.Do(func() {
		if err := os.Remove(w.Path); err != nil && !os.IsNotExist(err) {
			w.err = err
		}
	})
	return w.err
}

// Normalizer converts arbitrary audio containers to mono 16-bit PCM WAV using ffmpeg
type Normalizer struct {
	config Config
	logger *logger.Logger
}

// NewNormalizer creates a normalizer
func NewNormalizer(config Config, log *logger.Logger) *Normalizer {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.Codec == "" {
		config.Codec = "pcm_s16le"
	}
	return &Normalizer{
		config: config,
		logger: log.Named("normalizer"),
	}
}

// Normalize converts inputPath into a temporary WAV file. On success the caller
// owns the returned Waveform; on any failure no temporary file is left behind.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string) (*Waveform, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return nil, &ConversionError{Input: inputPath, Err: fmt.Errorf("input unavailable: %w", err)}
	}

	tmp, err := os.CreateTemp(n.config.TempDir, "reflection-*.wav")
	if err != nil {
		return nil, &ConversionError{Input: inputPath, Err: fmt.Errorf("failed to allocate temp file: %w", err)}
	}
	outPath := tmp.Name()
	tmp.Close()

	ok := false
	defer func() {
		if !ok {
			if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
				n.logger.Warn("Failed to remove temp waveform", String("path", outPath), Error(err))
			}
		}
	}()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", strconv.Itoa(n.config.Channels),
		"-ar", strconv.Itoa(n.config.SampleRate),
		"-acodec", n.config.Codec,
		"-f", "wav",
		outPath,
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, n.config.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		detail := tail(stderr.Bytes(), maxStderrTail)
		n.logger.Debug("ffmpeg failed",
			String("input", inputPath),
			String("stderr", detail),
			Error(err))
		return nil, &ConversionError{Input: inputPath, Detail: detail, Err: fmt.Errorf("ffmpeg: %w", err)}
	}

	wf, err := n.inspect(outPath)
	if err != nil {
		return nil, &ConversionError{Input: inputPath, Detail: tail(stderr.Bytes(), maxStderrTail), Err: err}
	}

	n.logger.Debug("Normalized audio",
		String("input", filepath.Base(inputPath)),
		String("duration", wf.Duration.String()),
		String("elapsed", time.Since(start).String()))

	ok = true
	return wf, nil
}

var errEmptyOutput = errors.New("ffmpeg produced no audio")

// inspect validates that path is a WAV file in the configured format
func (n *Normalizer) inspect(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, errors.New("output is not a valid WAV file")
	}
	if int(d.SampleRate) != n.config.SampleRate {
		return nil, fmt.Errorf("output sample rate %d, want %d", d.SampleRate, n.config.SampleRate)
	}
	if int(d.NumChans) != n.config.Channels {
		return nil, fmt.Errorf("output has %d channels, want %d", d.NumChans, n.config.Channels)
	}
	if d.BitDepth != 16 {
		return nil, fmt.Errorf("output bit depth %d, want 16", d.BitDepth)
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("output has no PCM data: %w", err)
	}
	if d.PCMSize <= 0 {
		return nil, errEmptyOutput
	}

	bytesPerSecond := int(d.SampleRate) * int(d.NumChans) * int(d.BitDepth) / 8
	duration := time.Duration(float64(d.PCMSize) / float64(bytesPerSecond) * float64(time.Second))

	return &Waveform{
		Path:       path,
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Duration:   duration,
	}, nil
}

func tail(b []byte, limit int) string {
	b = bytes.TrimSpace(b)
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(b)
}
