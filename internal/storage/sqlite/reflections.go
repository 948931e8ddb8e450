package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

// ReflectionRecord represents a voice reflection in the database
type ReflectionRecord struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"-"`
	AudioPath     string     `json:"audio_file"` // blob key relative to the audio store, empty when no audio
	Transcription string     `json:"transcription"`
	Summary       string     `json:"ai_summary"`
	Keywords      []string   `json:"keywords"`
	Language      string     `json:"language,omitempty"`
	TranscribedAt *time.Time `json:"transcribed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasAudio reports whether the reflection references an audio blob
func (r *ReflectionRecord) HasAudio() bool {
	return r.AudioPath != ""
}

// TranscriptionResult is the derived data written back by a finished transcription job
type TranscriptionResult struct {
	Transcription string
	Summary       string
	Keywords      []string
	Language      string
	TranscribedAt time.Time
}

// ReflectionStorage handles storage of reflection records
type ReflectionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewReflectionStorage creates a new SQLite reflection storage
func NewReflectionStorage(db *sql.DB, log *logger.Logger) (*ReflectionStorage, error) {
	storage := &ReflectionStorage{
		db:     db,
		logger: log.Named("sqlite-reflections"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize reflection storage: %w", err)
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *ReflectionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reflections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			audio_path TEXT,
			transcription TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			keywords TEXT NOT NULL DEFAULT '[]',
			language TEXT NOT NULL DEFAULT '',
			transcribed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create reflections table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_reflections_user_created ON reflections(user_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create user_id index: %w", err)
	}

	return nil
}

const reflectionColumns = `id, user_id, audio_path, transcription, summary, keywords, language, transcribed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReflection(row rowScanner) (*ReflectionRecord, error) {
	var (
		record        ReflectionRecord
		audioPath     sql.NullString
		keywords      string
		transcribedAt sql.NullString
		createdAt     string
		updatedAt     string
	)

	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&audioPath,
		&record.Transcription,
		&record.Summary,
		&keywords,
		&record.Language,
		&transcribedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if audioPath.Valid {
		record.AudioPath = audioPath.String
	}

	record.Keywords = []string{}
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &record.Keywords); err != nil {
			return nil, fmt.Errorf("failed to decode keywords: %w", err)
		}
	}

	var err error
	if record.TranscribedAt, err = parseNullTime(transcribedAt); err != nil {
		return nil, fmt.Errorf("failed to parse transcribed_at: %w", err)
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &record, nil
}

// Create stores a new reflection and fills in its ID and timestamps
func (s *ReflectionStorage) Create(ctx context.Context, record *ReflectionRecord) (int64, error) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	// Match the stored precision so the caller's copy equals a later read
	record.CreatedAt = record.CreatedAt.UTC().Truncate(time.Microsecond)
	record.UpdatedAt = record.CreatedAt

	var audioPath sql.NullString
	if record.AudioPath != "" {
		audioPath = sql.NullString{String: record.AudioPath, Valid: true}
	}

	keywords := record.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return 0, fmt.Errorf("failed to encode keywords: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO reflections
		(user_id, audio_path, transcription, summary, keywords, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.UserID,
		audioPath,
		record.Transcription,
		record.Summary,
		string(keywordsJSON),
		record.Language,
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reflection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	record.ID = id
	record.Keywords = keywords

	return id, nil
}

// Get returns a reflection by ID regardless of owner
func (s *ReflectionStorage) Get(ctx context.Context, id int64) (*ReflectionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reflectionColumns+` FROM reflections WHERE id = ?`, id)

	record, err := scanReflection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reflection %d: %w", id, err)
	}
	return record, nil
}

// GetForOwner returns a reflection only if it belongs to userID.
// Other users' reflections are reported as ErrNotFound.
func (s *ReflectionStorage) GetForOwner(ctx context.Context, id, userID int64) (*ReflectionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reflectionColumns+` FROM reflections WHERE id = ? AND user_id = ?`, id, userID)

	record, err := scanReflection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reflection %d: %w", id, err)
	}
	return record, nil
}

// ListByOwner returns a user's reflections, newest first, with pagination
func (s *ReflectionStorage) ListByOwner(ctx context.Context, userID int64, limit, offset int) ([]*ReflectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reflectionColumns+`
		FROM reflections
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reflections: %w", err)
	}
	defer rows.Close()

	records := make([]*ReflectionRecord, 0)
	for rows.Next() {
		record, err := scanReflection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reflection: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reflections: %w", err)
	}

	return records, nil
}

// SaveTranscription writes the transcription, summary, keywords and language in a
// single conditional update. A record that has already been transcribed is left
// untouched and ErrAlreadyTranscribed is returned.
func (s *ReflectionStorage) SaveTranscription(ctx context.Context, id int64, result TranscriptionResult) error {
	keywords := result.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	at := result.TranscribedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE reflections
		SET transcription = ?, summary = ?, keywords = ?, language = ?, transcribed_at = ?, updated_at = ?
		WHERE id = ? AND transcribed_at IS NULL`,
		result.Transcription,
		result.Summary,
		string(keywordsJSON),
		result.Language,
		formatTime(at),
		formatTime(at),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update reflection %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a vanished record from one that was already written
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM reflections WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check reflection %d: %w", id, err)
	}
	return ErrAlreadyTranscribed
}
