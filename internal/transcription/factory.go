package transcription

import (
	"context"
	"fmt"

	"github.com/yegors/voicejournal/internal/config"
	"github.com/yegors/voicejournal/pkg/logger"
)

// NewHandleFromConfig returns a lazily initialized handle for the configured provider
func NewHandleFromConfig(cfg config.EngineConfig, log *logger.Logger) (*Handle, error) {
	var factory Factory

	switch cfg.Provider {
	case "openai":
		factory = func(ctx context.Context) (Engine, error) {
			return NewOpenAIEngine(OpenAIConfig{
				APIKey:         cfg.APIKey,
				Model:          cfg.Model,
				Language:       cfg.Language,
				BaseURL:        cfg.BaseURL,
				TimeoutSeconds: cfg.TimeoutSeconds,
			}, log)
		}
	case "gemini":
		factory = func(ctx context.Context) (Engine, error) {
			return NewGeminiEngine(ctx, GeminiConfig{
				APIKey:   cfg.APIKey,
				Model:    cfg.Model,
				Language: cfg.Language,
			}, log)
		}
	case "command":
		factory = func(ctx context.Context) (Engine, error) {
			return NewCommandEngine(cfg.Command, cfg.CommandArgs, log)
		}
	default:
		return nil, fmt.Errorf("unknown engine provider: %s", cfg.Provider)
	}

	return NewHandle(cfg.Provider, factory, log), nil
}
