package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ruteri/attested-lookup/cdsi"
)

// PostgresStore persists entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects with a libpq connection string or URL and
// creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lookup_tokens (
		account VARCHAR(256) PRIMARY KEY,
		token BYTEA NOT NULL,
		e164s BIGINT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, account string) (*Entry, error) {
	var (
		token []byte
		e164s []int64
		at    time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, e164s, updated_at FROM lookup_tokens WHERE account = $1", account,
	).Scan(&token, pq.Array(&e164s), &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	entry := &Entry{Token: token, UpdatedAt: at, E164s: make([]cdsi.E164, len(e164s))}
	for i, n := range e164s {
		entry.E164s[i] = cdsi.E164(n)
	}
	return entry, nil
}

func (s *PostgresStore) Save(ctx context.Context, account string, entry *Entry) error {
	e164s := make([]int64, len(entry.E164s))
	for i, n := range entry.E164s {
		e164s[i] = int64(n)
	}

	query := `
	INSERT INTO lookup_tokens (account, token, e164s, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (account) DO UPDATE SET
		token = EXCLUDED.token,
		e164s = EXCLUDED.e164s,
		updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, account, entry.Token, pq.Array(e164s), entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM lookup_tokens WHERE account = $1", account)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
