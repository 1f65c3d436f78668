package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists profiles in Postgres or SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("profile: connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert inserts p unless a profile with the same durable id exists. It
// reports whether a row was written. Existing rows are never modified.
func (s *Store) Upsert(ctx context.Context, p Profile) (bool, error) {
	if p.DurableID == "" {
		return false, errors.New("profile: durable id is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}

	q := s.db.Rebind(`INSERT INTO profiles (durable_id, username, email, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (durable_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, p.DurableID, p.Username, p.Email, p.AvatarURL, p.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("profile: upsert %s: %w", p.DurableID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("profile: upsert %s: %w", p.DurableID, err)
	}
	return n == 1, nil
}

// Get returns the profile with the given durable id.
func (s *Store) Get(ctx context.Context, durableID string) (*Profile, error) {
	var p Profile
	q := s.db.Rebind(`SELECT durable_id, username, email, avatar_url, created_at
		FROM profiles WHERE durable_id = ?`)
	if err := s.db.GetContext(ctx, &p, q, durableID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", durableID, ErrNotFound)
		}
		return nil, fmt.Errorf("profile: get %s: %w", durableID, err)
	}
	return &p, nil
}

// GetByEmail returns the profile registered with email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Profile, error) {
	var p Profile
	q := s.db.Rebind(`SELECT durable_id, username, email, avatar_url, created_at
		FROM profiles WHERE email = ? ORDER BY created_at LIMIT 1`)
	if err := s.db.GetContext(ctx, &p, q, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("profile: get by email: %w", err)
	}
	return &p, nil
}

// UpdateAvatar sets the avatar URL of an existing profile.
func (s *Store) UpdateAvatar(ctx context.Context, durableID, url string) error {
	q := s.db.Rebind(`UPDATE profiles SET avatar_url = ? WHERE durable_id = ?`)
	res, err := s.db.ExecContext(ctx, q, url, durableID)
	if err != nil {
		return fmt.Errorf("profile: update avatar %s: %w", durableID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("profile: update avatar %s: %w", durableID, err)
	}
	if n == 0 {
		return fmt.Errorf("profile %s: %w", durableID, ErrNotFound)
	}
	return nil
}

// Count returns the number of stored profiles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM profiles`); err != nil {
		return 0, fmt.Errorf("profile: count: %w", err)
	}
	return n, nil
}
