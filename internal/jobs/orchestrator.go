package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/voicejournal/internal/audio"
	"github.com/yegors/voicejournal/internal/insight"
	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/internal/transcription"
	"github.com/yegors/voicejournal/pkg/logger"
)

// RecordStore loads reflections and writes transcription results back
type RecordStore interface {
	Get(ctx context.Context, id int64) (*sqlite.ReflectionRecord, error)
	SaveTranscription(ctx context.Context, id int64, result sqlite.TranscriptionResult) error
}

// AudioLocator resolves a stored audio key to a readable file
type AudioLocator interface {
	Path(key string) (string, error)
}

// Normalizer converts stored audio to the engine's waveform format
type Normalizer interface {
	Normalize(ctx context.Context, inputPath string) (*audio.Waveform, error)
}

// Transcriber runs speech-to-text on a waveform
type Transcriber interface {
	Transcribe(ctx context.Context, waveformPath string) (transcription.Result, error)
}

// Notifier is told about reflections that were just transcribed
type Notifier interface {
	ReflectionTranscribed(record *sqlite.ReflectionRecord)
}

// Orchestrator runs the transcription pipeline for one reflection
type Orchestrator struct {
	records    RecordStore
	blobs      AudioLocator
	normalizer Normalizer
	engine     Transcriber
	analyzer   insight.Analyzer
	notifier   Notifier
	metrics    *metrics.Metrics
	timeout    time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

// OrchestratorConfig holds the collaborators of an Orchestrator. Notifier and
// Metrics are optional.
type OrchestratorConfig struct {
	Records    RecordStore
	Blobs      AudioLocator
	Normalizer Normalizer
	Engine     Transcriber
	Analyzer   insight.Analyzer
	Notifier   Notifier
	Metrics    *metrics.Metrics
	// Timeout bounds normalization and transcription together; zero disables it
	Timeout time.Duration
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig, log *logger.Logger) (*Orchestrator, error) {
	if cfg.Records == nil || cfg.Blobs == nil || cfg.Normalizer == nil || cfg.Engine == nil {
		return nil, errors.New("orchestrator requires records, blobs, normalizer and engine")
	}
	if cfg.Analyzer == (insight.Analyzer{}) {
		cfg.Analyzer = insight.NewAnalyzer(0, 0)
	}
	return &Orchestrator{
		records:    cfg.Records,
		blobs:      cfg.Blobs,
		normalizer: cfg.Normalizer,
		engine:     cfg.Engine,
		analyzer:   cfg.Analyzer,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		timeout:    cfg.Timeout,
		logger:     log.Named("orchestrator"),
		now:        time.Now,
	}, nil
}

// Run executes one attempt of the pipeline: load, normalize, transcribe,
// analyze, persist. Failures wrapped as permanent must not be retried; every
// other error is transient.
func (o *Orchestrator) Run(ctx context.Context, reflectionID int64) error {
	log := o.logger.With(logger.Int64("reflection_id", reflectionID))

	record, err := o.records.Get(ctx, reflectionID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return permanent(fmt.Errorf("reflection %d: %w", reflectionID, ErrNotFound))
	}
	if err != nil {
		return &StageError{Stage: "load", Err: err}
	}

	if !record.HasAudio() {
		return permanent(fmt.Errorf("reflection %d: %w", reflectionID, ErrMissingInput))
	}
	inputPath, err := o.blobs.Path(record.AudioPath)
	if err != nil {
		return permanent(fmt.Errorf("reflection %d: %w: %v", reflectionID, ErrMissingInput, err))
	}

	result, err := o.transcribe(ctx, log, inputPath)
	if err != nil {
		return err
	}

	started := time.Now()
	err = o.records.SaveTranscription(ctx, reflectionID, result)
	o.metrics.ObserveStage(metrics.StagePersist, time.Since(started))
	switch {
	case errors.Is(err, sqlite.ErrAlreadyTranscribed):
		log.Info("Reflection already transcribed, keeping existing result")
		return nil
	case errors.Is(err, sqlite.ErrNotFound):
		return permanent(fmt.Errorf("reflection %d: %w", reflectionID, ErrNotFound))
	case err != nil:
		return &StageError{Stage: "persist", Err: err}
	}

	log.Info("Reflection transcribed",
		logger.Int("characters", len(result.Transcription)),
		logger.Strings("keywords", result.Keywords),
		logger.String("language", result.Language))

	if o.notifier != nil {
		updated := *record
		updated.Transcription = result.Transcription
		updated.Summary = result.Summary
		updated.Keywords = result.Keywords
		updated.Language = result.Language
		at := result.TranscribedAt
		updated.TranscribedAt = &at
		updated.UpdatedAt = at
		o.notifier.ReflectionTranscribed(&updated)
	}
	return nil
}

// transcribe normalizes and transcribes the audio under one deadline. The
// temporary waveform is gone when it returns.
func (o *Orchestrator) transcribe(ctx context.Context, log *logger.Logger, inputPath string) (sqlite.TranscriptionResult, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	started := time.Now()
	wave, err := o.normalizer.Normalize(ctx, inputPath)
	o.metrics.ObserveStage(metrics.StageNormalize, time.Since(started))
	if err != nil {
		return sqlite.TranscriptionResult{}, &StageError{Stage: "normalize", Err: err}
	}
	defer func() {
		if err := wave.Release(); err != nil {
			log.Warn("Failed to remove temporary waveform", logger.String("path", wave.Path), logger.Error(err))
		}
	}()
	o.metrics.ObserveAudio(wave.Duration)

	started = time.Now()
	res, err := o.engine.Transcribe(ctx, wave.Path)
	o.metrics.ObserveStage(metrics.StageTranscribe, time.Since(started))
	if err != nil {
		return sqlite.TranscriptionResult{}, &StageError{Stage: "transcribe", Err: err}
	}

	derived := o.analyzer.Analyze(res.Text)
	return sqlite.TranscriptionResult{
		Transcription: res.Text,
		Summary:       derived.Summary,
		Keywords:      derived.Keywords,
		Language:      res.Language,
		TranscribedAt: o.now().UTC(),
	}, nil
}
