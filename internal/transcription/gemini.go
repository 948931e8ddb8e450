package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/yegors/voicejournal/pkg/logger"
	"google.golang.org/genai"
)

const geminiPrompt = `Transcribe the attached voice journal recording verbatim.
Respond with JSON only: {"text": "<transcript>", "language": "<ISO-639-1 code>"}.
If the recording contains no speech, respond with {"text": "", "language": ""}.`

// GeminiConfig configures a GeminiEngine
type GeminiConfig struct {
	APIKey   string
	Model    string
	Language string
}

// GeminiEngine transcribes by sending the waveform inline to a Gemini model
type GeminiEngine struct {
	client   *genai.Client
	model    string
	language string
	logger   *logger.Logger
}

// NewGeminiEngine creates the genai client
func NewGeminiEngine(ctx context.Context, cfg GeminiConfig, log *logger.Logger) (*GeminiEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	return &GeminiEngine{
		client:   client,
		model:    model,
		language: cfg.Language,
		logger:   log.Named("gemini"),
	}, nil
}

// Name returns the provider name
func (e *GeminiEngine) Name() string {
	return "gemini"
}

// Transcribe sends the waveform as inline audio and parses the JSON reply
func (e *GeminiEngine) Transcribe(ctx context.Context, waveformPath string) (Result, error) {
	data, err := os.ReadFile(waveformPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read waveform: %w", err)
	}

	prompt := geminiPrompt
	if e.language != "" {
		prompt += "\nThe speaker is expected to use language code " + e.language + "."
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(data, "audio/wav"),
		}, genai.RoleUser),
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate content: %w", err)
	}

	return parseGeminiReply(resp.Text())
}

func parseGeminiReply(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, errors.New("empty response from model")
	}

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode model reply: %w", err)
	}
	res.Text = strings.TrimSpace(res.Text)
	res.Language = normalizeLanguage(res.Language)
	return res, nil
}
