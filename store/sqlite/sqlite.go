// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"oidcrp/store"
)

// Store keeps users, sessions and dynamic registrations in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("sqlite store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSession loads a session together with its user.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, store.User, error) {
	var (
		detail string
		sub    string
		email  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.detail, u.sub, u.email
		FROM sessions s
		JOIN users u ON u.sub = s.user_sub
		WHERE s.id = ?`, id).Scan(&detail, &sub, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, store.User{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, store.User{}, fmt.Errorf("select session: %w", err)
	}

	var sess store.Session
	if err := json.Unmarshal([]byte(detail), &sess); err != nil {
		return store.Session{}, store.User{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	user := store.User{Sub: sub}
	if email.Valid {
		v := email.String
		user.Email = &v
	}
	return sess, user, nil
}

// SaveSession upserts the user and the session in one transaction.
func (s *Store) SaveSession(ctx context.Context, sess store.Session, user store.User) error {
	detail, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	var email sql.NullString
	if user.Email != nil {
		email = sql.NullString{String: *user.Email, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (sub, email) VALUES (?, ?)
		ON CONFLICT (sub) DO UPDATE SET email = excluded.email`,
		user.Sub, email); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_sub, detail) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_sub = excluded.user_sub, detail = excluded.detail`,
		sess.ID, sess.UserSub, string(detail)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// GetDynamicRegistration loads the registration stored for appName.
func (s *Store) GetDynamicRegistration(ctx context.Context, appName string) (store.DynamicRegistration, error) {
	var detail string
	err := s.db.QueryRowContext(ctx,
		`SELECT detail FROM dynamic_registrations WHERE app_name = ?`, appName).Scan(&detail)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DynamicRegistration{}, store.ErrNotFound
	}
	if err != nil {
		return store.DynamicRegistration{}, fmt.Errorf("select dynamic registration: %w", err)
	}
	var reg store.DynamicRegistration
	if err := json.Unmarshal([]byte(detail), &reg); err != nil {
		return store.DynamicRegistration{}, fmt.Errorf("decode dynamic registration: %w", err)
	}
	return reg, nil
}

// SaveDynamicRegistration replaces the registration stored for appName.
func (s *Store) SaveDynamicRegistration(ctx context.Context, appName string, reg store.DynamicRegistration) error {
	detail, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode dynamic registration: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO dynamic_registrations (app_name, detail) VALUES (?, ?)
		ON CONFLICT (app_name) DO UPDATE SET detail = excluded.detail, updated_at = CURRENT_TIMESTAMP`,
		appName, string(detail)); err != nil {
		return fmt.Errorf("upsert dynamic registration: %w", err)
	}
	return nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
