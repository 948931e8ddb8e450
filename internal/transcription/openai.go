package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

// DefaultOpenAIBase is used when no base URL is configured
var DefaultOpenAIBase = "https://api.openai.com"

// OpenAIEngine transcribes through an OpenAI-compatible /v1/audio/transcriptions endpoint
type OpenAIEngine struct {
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
	logger     *logger.Logger
	// baseURL is stored without a trailing slash
	baseURL string
}

// OpenAIConfig configures an OpenAIEngine
type OpenAIConfig struct {
	APIKey         string
	Model          string
	Language       string
	BaseURL        string
	TimeoutSeconds int
}

// NewOpenAIEngine creates a new OpenAI engine.
// The base URL is taken from the config, then OPENAI_API_BASE, then DefaultOpenAIBase.
func NewOpenAIEngine(cfg OpenAIConfig, log *logger.Logger) (*OpenAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			base = env
		} else {
			base = DefaultOpenAIBase
		}
	}
	base = strings.TrimRight(base, "/")

	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}

	return &OpenAIEngine{
		apiKey:   cfg.APIKey,
		model:    model,
		language: cfg.Language,
		logger:   log.Named("openai"),
		baseURL:  base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name returns the provider name
func (e *OpenAIEngine) Name() string {
	return "openai"
}

type openAITranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Transcribe uploads the waveform and returns the recognized text
func (e *OpenAIEngine) Transcribe(ctx context.Context, waveformPath string) (Result, error) {
	f, err := os.Open(waveformPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open waveform: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fields := map[string]string{
		"model":           e.model,
		"response_format": "verbose_json",
	}
	if e.language != "" {
		fields["language"] = e.language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Result{}, fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(waveformPath))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Result{}, fmt.Errorf("failed to copy waveform: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close multipart body: %w", err)
	}

	apiURL := e.baseURL + "/v1/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, &body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr openAIErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return Result{}, fmt.Errorf("openai returned %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return Result{}, fmt.Errorf("openai returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed openAITranscriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	e.logger.Debug("Transcription complete",
		String("model", e.model),
		String("language", parsed.Language),
		String("elapsed", time.Since(start).String()))

	return Result{
		Text:     strings.TrimSpace(parsed.Text),
		Language: normalizeLanguage(parsed.Language),
	}, nil
}

// languageCodes maps the full names returned by verbose_json to ISO-639-1 codes
var languageCodes = map[string]string{
	"english": "en", "spanish": "es", "french": "fr", "german": "de", "italian": "it",
	"portuguese": "pt", "dutch": "nl", "russian": "ru", "ukrainian": "uk", "polish": "pl",
	"japanese": "ja", "chinese": "zh", "korean": "ko", "arabic": "ar", "hindi": "hi",
	"turkish": "tr", "swedish": "sv", "norwegian": "no", "danish": "da", "finnish": "fi",
}

func normalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageCodes[l]; ok {
		return code
	}
	return l
}
