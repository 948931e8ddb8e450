package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/voicejournal/pkg/logger"
)

// User is an account known to the journal
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStorage verifies API tokens against the users and api_tokens tables.
// Tokens are issued by the account service; only their SHA-256 hashes are stored.
type UserStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewUserStorage creates a new SQLite user storage
func NewUserStorage(db *sql.DB, log *logger.Logger) (*UserStorage, error) {
	storage := &UserStorage{
		db:     db,
		logger: log.Named("sqlite-users"),
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize user storage: %w", err)
	}

	return storage, nil
}

func (s *UserStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS api_tokens (
			token_hash TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			revoked_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create api_tokens table: %w", err)
	}

	return nil
}

// HashToken returns the stored form of a bearer token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateUser inserts a user and returns it.
//
// Accounts and tokens are issued by the account service that shares these
// tables; the server itself never calls CreateUser, RegisterToken or
// RevokeToken. They exist to seed the tables in tests and local setups.
func (s *UserStorage) CreateUser(ctx context.Context, username string) (*User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, created_at) VALUES (?, ?)`,
		username, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return &User{ID: id, Username: username, CreatedAt: now}, nil
}

// RegisterToken records the hash of a token issued to userID. Seeding only, see CreateUser.
func (s *UserStorage) RegisterToken(ctx context.Context, userID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (token_hash, user_id, created_at) VALUES (?, ?, ?)`,
		HashToken(token), userID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// RevokeToken marks a token as no longer valid. Seeding only, see CreateUser.
func (s *UserStorage) RevokeToken(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`,
		formatTime(time.Now()), HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate resolves a bearer token to its user. Unknown or revoked tokens yield ErrNotFound.
func (s *UserStorage) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	var (
		user      User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.created_at
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = ? AND t.revoked_at IS NULL`,
		HashToken(token),
	).Scan(&user.ID, &user.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &user, nil
}
