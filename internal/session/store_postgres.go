package session

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// PostgresOptions configures the database/sql pool
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a traced connection pool to PostgreSQL
func OpenPostgres(opts PostgresOptions) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := otelsql.Open("postgres", opts.DSN,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return db, nil
}

// PostgresStore PostgreSQL implementation of Store
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresStoreConfig PostgreSQL store configuration
type PostgresStoreConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config *PostgresStoreConfig) (*PostgresStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &PostgresStore{
		db:     config.DB,
		logger: config.Logger,
	}, nil
}

// Migrate applies the bundled schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Create inserts an active session row
func (s *PostgresStore) Create(ctx context.Context, session *Session) error {
	if err := validate(session); err != nil {
		return err
	}

	query := `
		INSERT INTO user_sessions (
			connection_id, user_id, session_id, ip_address, user_agent,
			is_active, connected_at, last_activity
		) VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		session.ConnectionID,
		session.UserID,
		session.SessionID,
		session.IPAddress,
		session.UserAgent,
		session.ConnectedAt,
		nullTime(session.LastActivity),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrSessionExists, session.ConnectionID)
		}
		s.logger.Error("Failed to create session",
			zap.String("connection_id", session.ConnectionID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Touch refreshes last_activity of the active row
func (s *PostgresStore) Touch(ctx context.Context, connID string, at time.Time) (bool, error) {
	query := `
		UPDATE user_sessions SET last_activity = $2
		WHERE connection_id = $1 AND is_active`

	return s.execOne(ctx, "touch", query, connID, at)
}

// Navigate records the current page of the active row
func (s *PostgresStore) Navigate(ctx context.Context, connID, page, title string, at time.Time) (bool, error) {
	query := `
		UPDATE user_sessions SET
			current_page = $2,
			page_title = $3,
			last_activity = $4
		WHERE connection_id = $1 AND is_active`

	return s.execOne(ctx, "navigate", query, connID, page, title, at)
}

// Deactivate flips the active row to inactive
func (s *PostgresStore) Deactivate(ctx context.Context, connID string, at time.Time) (bool, error) {
	query := `
		UPDATE user_sessions SET
			is_active = FALSE,
			disconnected_at = $2
		WHERE connection_id = $1 AND is_active`

	return s.execOne(ctx, "deactivate", query, connID, at)
}

// ListActive scans active rows, most recently active first
func (s *PostgresStore) ListActive(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT
			connection_id, user_id, session_id, ip_address, user_agent,
			current_page, page_title, connected_at, last_activity
		FROM user_sessions
		WHERE is_active
		ORDER BY last_activity DESC NULLS LAST`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var page, title sql.NullString
		var lastActivity sql.NullTime

		if err := rows.Scan(
			&session.ConnectionID,
			&session.UserID,
			&session.SessionID,
			&session.IPAddress,
			&session.UserAgent,
			&page,
			&title,
			&session.ConnectedAt,
			&lastActivity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		session.Active = true
		session.CurrentPage = page.String
		session.PageTitle = title.String
		if lastActivity.Valid {
			session.LastActivity = lastActivity.Time
		}
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s session: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// PostgresDirectory resolves users from the portal's users table
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory over db
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Users implements Directory
func (d *PostgresDirectory) Users(ctx context.Context, ids []string) (map[string]*User, error) {
	result := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT id, name, email, role FROM users WHERE id = ANY($1)`

	rows, err := d.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		result[u.ID] = &u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return result, nil
}
