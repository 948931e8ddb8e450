package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/internal/websocket"
	"github.com/yegors/voicejournal/pkg/logger"
)

// ReflectionStore is the subset of reflection storage the handlers need
type ReflectionStore interface {
	Create(ctx context.Context, record *sqlite.ReflectionRecord) (int64, error)
	GetForOwner(ctx context.Context, id, userID int64) (*sqlite.ReflectionRecord, error)
	ListByOwner(ctx context.Context, userID int64, limit, offset int) ([]*sqlite.ReflectionRecord, error)
}

// JobQueue accepts transcription work and reports its progress
type JobQueue interface {
	Enqueue(ctx context.Context, reflectionID int64, runAt time.Time) (int64, error)
	LatestForReflection(ctx context.Context, reflectionID int64) (*sqlite.Job, error)
}

// AudioStore keeps uploaded audio files
type AudioStore interface {
	Save(userID int64, originalName string, r io.Reader) (string, error)
	Delete(key string) error
}

// Handler handles API requests
type Handler struct {
	reflections    ReflectionStore
	jobs           JobQueue
	audio          AudioStore
	wsServer       *websocket.Server
	metrics        *metrics.Metrics
	maxUploadBytes int64
	logger         *logger.Logger
	now            func() time.Time
}

// HandlerConfig bundles the handler's collaborators
type HandlerConfig struct {
	Reflections    ReflectionStore
	Jobs           JobQueue
	Audio          AudioStore
	WebSocket      *websocket.Server
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
}

// NewHandler creates a new API handler
func NewHandler(cfg HandlerConfig, log *logger.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	return &Handler{
		reflections:    cfg.Reflections,
		jobs:           cfg.Jobs,
		audio:          cfg.Audio,
		wsServer:       cfg.WebSocket,
		metrics:        cfg.Metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         log.Named("api-handler"),
		now:            time.Now,
	}
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError writes {"error": message}
func writeError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 500)
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
