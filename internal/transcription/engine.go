package transcription

import (
	"context"
	"fmt"
	"sync"

	"github.com/yegors/voicejournal/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// Result is the output of a speech-to-text run
type Result struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Engine turns a normalized waveform file into text
type Engine interface {
	Transcribe(ctx context.Context, waveformPath string) (Result, error)
	Name() string
}

// EngineError wraps any failure reported by an engine or its initialization
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("transcription engine %s failed: %v", e.Engine, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Factory builds an engine. It may be expensive (model load, client setup).
type Factory func(ctx context.Context) (Engine, error)

// Handle owns the process-wide engine. The engine is built on first use and
// reused afterwards; a failed build is retried on the next call.
type Handle struct {
	name    string
	factory Factory
	logger  *logger.Logger

	mu     sync.Mutex
	engine Engine
	inits  int
	onInit func()
}

// NewHandle creates a handle that builds its engine lazily with factory
func NewHandle(name string, factory Factory, log *logger.Logger) *Handle {
	return &Handle{
		name:    name,
		factory: factory,
		logger:  log.Named("engine").With(String("provider", name)),
	}
}

// OnInit registers fn to run after each successful engine initialization
func (h *Handle) OnInit(fn func()) {
	h.mu.Lock()
	h.onInit = fn
	h.mu.Unlock()
}

// Name returns the provider name
func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) get(ctx context.Context) (Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		return h.engine, nil
	}

	h.logger.Info("Initializing transcription engine")
	h.inits++
	engine, err := h.factory(ctx)
	if err != nil {
		return nil, err
	}
	h.engine = engine
	if h.onInit != nil {
		h.onInit()
	}
	return engine, nil
}

// Transcribe runs the engine, initializing it first if needed. Every failure is
// returned as an *EngineError.
func (h *Handle) Transcribe(ctx context.Context, waveformPath string) (Result, error) {
	engine, err := h.get(ctx)
	if err != nil {
		return Result{}, &EngineError{Engine: h.name, Err: fmt.Errorf("init: %w", err)}
	}

	res, err := engine.Transcribe(ctx, waveformPath)
	if err != nil {
		return Result{}, &EngineError{Engine: h.name, Err: err}
	}
	return res, nil
}
