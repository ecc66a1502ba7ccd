package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned when a username has no stored credentials
var ErrUserNotFound = errors.New("user not found")

// DemoUsers are seeded into an empty user table
var DemoUsers = map[string]string{
	"admin": "password123",
	"user":  "secret",
	"demo":  "demo",
}

// Exchange kinds
const (
	KindChat = "chat"
	KindRAG  = "rag"
)

// Exchange is one request/answer pair served by the API
type Exchange struct {
	ID        int64
	Kind      string
	Model     string
	Username  string
	Input     string
	Output    string
	CreatedAt time.Time
}

// Store wraps the sqlite database
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database and its tables
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createUsersTable := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at DATETIME
	);`

	createExchangesTable := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT,
		model TEXT,
		username TEXT,
		input TEXT,
		output TEXT,
		created_at DATETIME
	);`

	if _, err := db.Exec(createUsersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	if _, err := db.Exec(createExchangesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create exchanges table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SeedUsers inserts the given users when the table is empty.
// It returns the number of users written.
func (s *Store) SeedUsers(ctx context.Context, users map[string]string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return 0, fmt.Errorf("failed to hash password for %s: %w", username, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
			username, string(hash), time.Now(),
		); err != nil {
			return 0, fmt.Errorf("failed to insert user %s: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(users), nil
}

// SetPassword creates or updates a user
func (s *Store) SetPassword(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hash), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// VerifyPassword reports whether password matches the stored hash.
// Unknown users return ErrUserNotFound.
func (s *Store) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("failed to compare password: %w", err)
	}
	return true, nil
}

// RecordExchange appends an exchange to the log
func (s *Store) RecordExchange(ctx context.Context, ex Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO exchanges (kind, model, username, input, output, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ex.Kind, ex.Model, ex.Username, ex.Input, ex.Output, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save exchange: %w", err)
	}
	return nil
}

// Exchanges returns the most recent exchanges, newest first
func (s *Store) Exchanges(ctx context.Context, limit int) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, model, username, input, output, created_at FROM exchanges ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.ID, &ex.Kind, &ex.Model, &ex.Username, &ex.Input, &ex.Output, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exchanges: %w", err)
	}
	return exchanges, nil
}
