package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/pkg/logger"
)

const (
	audioFormField = "audio_file"
	// multipart parts beyond this are spooled to disk
	formMemoryBytes = 8 << 20

	createdMessage = "Reflection created. Audio transcription is being processed."
)

// Processing states reported on the detail view
const (
	StatusNone       = "none"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type reflectionResponse struct {
	*sqlite.ReflectionRecord
	ProcessingStatus string `json:"processing_status,omitempty"`
	Message          string `json:"message,omitempty"`
}

// CreateReflection stores an optional audio upload, creates the reflection and
// queues its transcription. Pipeline failures never affect this response.
func (h *Handler) CreateReflection(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	log := requestLogger(r, h.logger).With(logger.Int64("user_id", user.ID))

	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var audioKey string
	err := r.ParseMultipartForm(formMemoryBytes)
	switch {
	case errors.Is(err, http.ErrNotMultipart):
		// A reflection without audio
	case isTooLarge(err):
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	case err != nil:
		log.Warn("Malformed reflection upload", logger.Error(err))
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	default:
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile(audioFormField)
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "invalid audio_file")
			return
		}
		if err == nil {
			audioKey, err = h.audio.Save(user.ID, header.Filename, file)
			file.Close()
			if err != nil {
				log.Error("Failed to store audio", logger.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to store audio")
				return
			}
		}
	}

	record := &sqlite.ReflectionRecord{UserID: user.ID, AudioPath: audioKey}
	if _, err := h.reflections.Create(r.Context(), record); err != nil {
		log.Error("Failed to create reflection", logger.Error(err))
		if audioKey != "" {
			if err := h.audio.Delete(audioKey); err != nil {
				log.Warn("Failed to remove orphaned audio", logger.String("key", audioKey), logger.Error(err))
			}
		}
		writeError(w, http.StatusInternalServerError, "failed to create reflection")
		return
	}
	h.metrics.ReflectionCreated(record.HasAudio())

	status := StatusNone
	if record.HasAudio() {
		status = StatusPending
		if _, err := h.jobs.Enqueue(r.Context(), record.ID, h.now()); err != nil {
			log.Error("Failed to enqueue transcription",
				logger.Int64("reflection_id", record.ID),
				logger.Error(err))
		}
	}

	log.Info("Reflection created",
		logger.Int64("reflection_id", record.ID),
		logger.Bool("has_audio", record.HasAudio()))

	WriteJSON(w, http.StatusCreated, reflectionResponse{
		ReflectionRecord: record,
		ProcessingStatus: status,
		Message:          createdMessage,
	})
}

func isTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// ListReflections returns the caller's reflections, newest first
func (h *Handler) ListReflections(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	limit, offset := parsePaginationParams(r)

	records, err := h.reflections.ListByOwner(r.Context(), user.ID, limit, offset)
	if err != nil {
		requestLogger(r, h.logger).Error("Failed to list reflections", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve reflections")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"count":       len(records),
		"limit":       limit,
		"offset":      offset,
		"reflections": records,
	})
}

// GetReflection returns one of the caller's reflections. Reflections owned by
// someone else are reported as not found.
func (h *Handler) GetReflection(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "reflection not found")
		return
	}

	record, err := h.reflections.GetForOwner(r.Context(), id, user.ID)
	if errors.Is(err, sqlite.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reflection not found")
		return
	}
	if err != nil {
		requestLogger(r, h.logger).Error("Failed to get reflection", logger.Int64("reflection_id", id), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve reflection")
		return
	}

	WriteJSON(w, http.StatusOK, reflectionResponse{
		ReflectionRecord: record,
		ProcessingStatus: h.processingStatus(r, record),
	})
}

func (h *Handler) processingStatus(r *http.Request, record *sqlite.ReflectionRecord) string {
	if record.TranscribedAt != nil {
		return StatusCompleted
	}
	if !record.HasAudio() {
		return StatusNone
	}

	job, err := h.jobs.LatestForReflection(r.Context(), record.ID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return StatusPending
	}
	if err != nil {
		requestLogger(r, h.logger).Warn("Failed to look up transcription job", logger.Error(err))
		return StatusPending
	}

	switch {
	case job.Status == sqlite.JobFailed:
		return StatusFailed
	case job.Status == sqlite.JobSucceeded:
		return StatusCompleted
	case job.Status == sqlite.JobRunning, job.Attempt > 0:
		return StatusProcessing
	default:
		return StatusPending
	}
}

// HandleWebSocket attaches the caller to the push channel
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsServer == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket not available")
		return
	}
	h.wsServer.HandleConnection(w, r, UserFromContext(r.Context()).ID)
}
