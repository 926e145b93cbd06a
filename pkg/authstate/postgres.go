package authstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists pending auth state in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed state store
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("authstate: database connection is required")
	}

	store := &PostgresStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("authstate: ensure pending_auth_state table: %w", err)
	}

	return store, nil
}

// ensureTable creates the pending_auth_state table if it doesn't exist
func (s *PostgresStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS pending_auth_state (
		token VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		provider VARCHAR(32) NOT NULL,
		code_verifier TEXT NOT NULL DEFAULT '',
		relay_state TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		consumed_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_pending_auth_state_expires ON pending_auth_state(expires_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save persists a new pending state record
func (s *PostgresStore) Save(ctx context.Context, state *PendingState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_auth_state (token, tenant_id, provider, code_verifier, relay_state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, state.Token, state.TenantID, state.Provider, state.CodeVerifier, state.RelayState,
		state.CreatedAt, state.ExpiresAt)

	if err != nil {
		return fmt.Errorf("authstate: save pending state: %w", err)
	}
	return nil
}

// Consume atomically validates and retires a state token. The UPDATE with
// the consumed_at IS NULL guard is the whole consumption step: of two
// concurrent callers, exactly one gets the row back.
func (s *PostgresStore) Consume(ctx context.Context, token string) (*PendingState, error) {
	state := &PendingState{Token: token}

	err := s.db.QueryRowContext(ctx, `
		UPDATE pending_auth_state
		SET consumed_at = NOW()
		WHERE token = $1 AND consumed_at IS NULL
		RETURNING tenant_id, provider, code_verifier, relay_state, created_at, expires_at
	`, token).Scan(&state.TenantID, &state.Provider, &state.CodeVerifier, &state.RelayState,
		&state.CreatedAt, &state.ExpiresAt)

	if err == sql.ErrNoRows {
		// Row missing entirely vs. already consumed by an earlier call.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM pending_auth_state WHERE token = $1)`, token).Scan(&exists); err != nil {
			return nil, fmt.Errorf("authstate: check consumed state: %w", err)
		}
		if exists {
			return nil, ErrStateAlreadyConsumed
		}
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("authstate: consume state: %w", err)
	}

	if state.Expired(time.Now().UTC()) {
		return nil, ErrStateExpired
	}

	return state, nil
}

// Sweep deletes expired and consumed records
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_auth_state
		WHERE expires_at < NOW() OR consumed_at IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("authstate: sweep pending state: %w", err)
	}

	return result.RowsAffected()
}
