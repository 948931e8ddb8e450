package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/yegors/voicejournal/pkg/logger"
)

// ErrInvalidKey is returned for keys that would escape the store root
var ErrInvalidKey = errors.New("invalid blob key")

// allowedExtensions are the container formats accepted for uploaded audio
var allowedExtensions = map[string]bool{
	".m4a": true, ".mp3": true, ".wav": true, ".ogg": true, ".oga": true,
	".opus": true, ".webm": true, ".flac": true, ".aac": true, ".mp4": true, ".3gp": true,
}

// Store keeps uploaded audio files on the local filesystem under a root directory.
// Keys are slash-separated paths relative to the root.
type Store struct {
	root   string
	logger *logger.Logger
}

// NewStore creates the root directory if needed and returns a store
func NewStore(root string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve audio dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir: %w", err)
	}
	return &Store{root: abs, logger: log.Named("blob")}, nil
}

// Root returns the absolute root directory
func (s *Store) Root() string {
	return s.root
}

// Save writes r to a new uniquely named file for the user and returns its key.
// The original filename only contributes its extension.
func (s *Store) Save(userID int64, originalName string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		ext = ".bin"
	}

	key := strconv.FormatInt(userID, 10) + "/" + uuid.NewString() + ext
	path, err := s.Path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create user audio dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create audio file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}

	s.logger.Debug("Stored audio blob", logger.String("key", key), logger.Int64("bytes", n))
	return key, nil
}

// Path resolves a key to an absolute filesystem path inside the root
func (s *Store) Path(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.root, clean), nil
}

// Delete removes the blob for key. Missing files are not an error.
func (s *Store) Delete(key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete audio file: %w", err)
	}
	return nil
}
