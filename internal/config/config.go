package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server  ServerConfig  `toml:"server"`  // HTTP server settings
	Logging LoggingConfig `toml:"logging"` // Application logging settings
	Storage StorageConfig `toml:"storage"` // Database and audio blob locations
	Audio   AudioConfig   `toml:"audio"`   // Audio normalization (ffmpeg) settings
	Engine  EngineConfig  `toml:"engine"`  // Speech-to-text engine settings
	Jobs    JobsConfig    `toml:"jobs"`    // Background transcription worker settings
	Insight InsightConfig `toml:"insight"` // Keyword and summary settings
	Metrics MetricsConfig `toml:"metrics"` // Prometheus metrics endpoint
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (0.0.0.0 for all interfaces)
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS and websocket upgrades (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
	MaxUploadMB        int      `toml:"max_upload_mb"`         // Largest accepted reflection upload
}

// LoggingConfig contains logging configuration settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path of the SQLite database file
	AudioDir   string `toml:"audio_dir"`   // Directory where uploaded audio blobs are kept
}

// AudioConfig controls the ffmpeg normalization step
type AudioConfig struct {
	FFmpegPath string `toml:"ffmpeg_path"` // ffmpeg binary, looked up on PATH when relative
	SampleRate int    `toml:"sample_rate"` // Output sample rate in Hz
	Channels   int    `toml:"channels"`    // Output channel count
	Codec      string `toml:"codec"`       // Output PCM codec
	TempDir    string `toml:"temp_dir"`    // Where temporary waveforms are written (empty = os.TempDir)
}

// EngineConfig selects and configures the speech-to-text backend
type EngineConfig struct {
	// Provider is one of:
	// - "openai": OpenAI-compatible /v1/audio/transcriptions endpoint
	// - "gemini": Google Gemini via google.golang.org/genai
	// - "command": local CLI (e.g. a whisper wrapper) printing {"text","language"} JSON
	Provider       string   `toml:"provider"`
	Model          string   `toml:"model"`           // Model name passed to the provider
	Language       string   `toml:"language"`        // Optional language hint (ISO-639-1)
	APIKey         string   `toml:"api_key"`         // API key for remote providers
	BaseURL        string   `toml:"base_url"`        // Optional endpoint override for the openai provider
	TimeoutSeconds int      `toml:"timeout_seconds"` // HTTP client timeout for remote providers
	Command        string   `toml:"command"`         // Executable for the command provider
	CommandArgs    []string `toml:"command_args"`    // Arguments; "{input}" is replaced with the waveform path
}

// JobsConfig controls the transcription worker pool and retry policy
type JobsConfig struct {
	Workers              int `toml:"workers"`                // Concurrent jobs per process
	PollIntervalMillis   int `toml:"poll_interval_ms"`       // Queue poll interval
	MaxRetries           int `toml:"max_retries"`            // Retries after the first attempt
	RetryDelaySeconds    int `toml:"retry_delay_seconds"`    // Fixed delay between attempts
	EngineTimeoutSeconds int `toml:"engine_timeout_seconds"` // Wall-clock bound on normalize + transcribe
	StaleAfterSeconds    int `toml:"stale_after_seconds"`    // Running jobs older than this are re-queued
}

// InsightConfig controls keyword extraction and summarization
type InsightConfig struct {
	KeywordCount int `toml:"keyword_count"`
	SummaryWords int `toml:"summary_words"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LoadEnv loads a .env file into the process environment if one exists
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// Default returns a configuration with every default applied. Load decodes on top of it
// so that keys absent from the file keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			Host:            "0.0.0.0",
			ReadTimeoutSecs: 60,
			IdleTimeoutSecs: 120,
			MaxUploadMB:     50,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Audio: AudioConfig{
			FFmpegPath: "ffmpeg",
			SampleRate: 16000,
			Channels:   1,
			Codec:      "pcm_s16le",
		},
		Engine: EngineConfig{Provider: "openai", TimeoutSeconds: 300},
		Jobs: JobsConfig{
			Workers:              2,
			PollIntervalMillis:   1000,
			MaxRetries:           3,
			RetryDelaySeconds:    60,
			EngineTimeoutSeconds: 600,
		},
		Insight: InsightConfig{KeywordCount: 5, SummaryWords: 100},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	config := Default()

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyEnv()

	return config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// applyEnv lets secrets and endpoints come from the environment instead of the file
func (c *Config) applyEnv() {
	if v := os.Getenv("VOICEJOURNAL_ENGINE_API_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if c.Engine.APIKey == "" {
		switch c.Engine.Provider {
		case "openai", "":
			c.Engine.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.Engine.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Engine.BaseURL == "" {
		c.Engine.BaseURL = os.Getenv("OPENAI_API_BASE")
	}
	if v := os.Getenv("VOICEJOURNAL_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
}

// Validate fills defaults and validates the configuration
func (c *Config) Validate() error {
	// Server
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ReadTimeoutSecs <= 0 {
		c.Server.ReadTimeoutSecs = 60
	}
	if c.Server.IdleTimeoutSecs <= 0 {
		c.Server.IdleTimeoutSecs = 120
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 50
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	// Storage
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join("data", "voicejournal.db")
	}
	if c.Storage.AudioDir == "" {
		c.Storage.AudioDir = filepath.Join("data", "reflections", "audio")
	}

	if err := c.ValidateAudio(); err != nil {
		return err
	}
	if err := c.ValidateEngine(); err != nil {
		return err
	}
	if err := c.ValidateJobs(); err != nil {
		return err
	}

	// Insight
	if c.Insight.KeywordCount <= 0 {
		c.Insight.KeywordCount = 5
	}
	if c.Insight.SummaryWords <= 0 {
		c.Insight.SummaryWords = 100
	}

	// Metrics
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/': %s", c.Metrics.Path)
	}

	return nil
}

// ValidateAudio validates the normalizer settings
func (c *Config) ValidateAudio() error {
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = "ffmpeg"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.Codec == "" {
		c.Audio.Codec = "pcm_s16le"
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 48000 {
		return fmt.Errorf("audio sample_rate out of range: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio channels must be 1 or 2: %d", c.Audio.Channels)
	}
	if c.Audio.Codec != "pcm_s16le" {
		return fmt.Errorf("unsupported audio codec: %s (only pcm_s16le)", c.Audio.Codec)
	}
	return nil
}

// ValidateEngine validates the speech-to-text engine settings
func (c *Config) ValidateEngine() error {
	if c.Engine.Provider == "" {
		c.Engine.Provider = "openai"
	}
	if c.Engine.TimeoutSeconds <= 0 {
		c.Engine.TimeoutSeconds = 300
	}

	switch c.Engine.Provider {
	case "openai":
		if c.Engine.Model == "" {
			c.Engine.Model = "whisper-1"
		}
		if c.Engine.APIKey == "" {
			fmt.Printf("WARN: No API key provided for the openai engine - transcription jobs will fail until one is set\n")
		}
	case "gemini":
		if c.Engine.Model == "" {
			c.Engine.Model = "gemini-2.5-flash"
		}
		if c.Engine.APIKey == "" {
			fmt.Printf("WARN: No API key provided for the gemini engine - transcription jobs will fail until one is set\n")
		}
	case "command":
		if c.Engine.Command == "" {
			return fmt.Errorf("engine command is required when provider is \"command\"")
		}
	default:
		return fmt.Errorf("unknown engine provider: %s", c.Engine.Provider)
	}
	return nil
}

// ValidateJobs validates the worker pool and retry settings
func (c *Config) ValidateJobs() error {
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("jobs workers must be positive: %d", c.Jobs.Workers)
	}
	if c.Jobs.PollIntervalMillis <= 0 {
		c.Jobs.PollIntervalMillis = 1000
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("jobs max_retries must be >= 0: %d", c.Jobs.MaxRetries)
	}
	if c.Jobs.RetryDelaySeconds <= 0 {
		c.Jobs.RetryDelaySeconds = 60
	}
	if c.Jobs.EngineTimeoutSeconds <= 0 {
		c.Jobs.EngineTimeoutSeconds = 600
	}
	if c.Jobs.StaleAfterSeconds <= 0 {
		c.Jobs.StaleAfterSeconds = 2 * c.Jobs.EngineTimeoutSeconds
	}
	if c.Jobs.StaleAfterSeconds <= c.Jobs.EngineTimeoutSeconds {
		return fmt.Errorf("jobs stale_after_seconds (%d) must exceed engine_timeout_seconds (%d)",
			c.Jobs.StaleAfterSeconds, c.Jobs.EngineTimeoutSeconds)
	}
	return nil
}

// PollInterval returns the queue poll interval
func (j JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMillis) * time.Millisecond
}

// RetryDelay returns the fixed delay between attempts
func (j JobsConfig) RetryDelay() time.Duration {
	return time.Duration(j.RetryDelaySeconds) * time.Second
}

// EngineTimeout returns the wall-clock bound on a single attempt's audio work
func (j JobsConfig) EngineTimeout() time.Duration {
	return time.Duration(j.EngineTimeoutSeconds) * time.Second
}

// StaleAfter returns how long a running job may go without finishing before it is re-queued
func (j JobsConfig) StaleAfter() time.Duration {
	return time.Duration(j.StaleAfterSeconds) * time.Second
}
