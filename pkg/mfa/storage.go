package mfa

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists MFA secrets, counters and backup codes
type Store interface {
	// GetSecret returns the record for a user, or ErrNotEnrolled
	GetSecret(ctx context.Context, tenantID, userID string) (*Secret, error)

	// UpsertPendingSecret stores a new encrypted secret awaiting
	// confirmation. Replaces an existing pending secret; fails with
	// ErrAlreadyEnabled when MFA is already active.
	UpsertPendingSecret(ctx context.Context, tenantID, userID, encryptedSecret string) error

	// EnableSecret flips the record to enabled and records the step of
	// the confirming code so it cannot be replayed.
	EnableSecret(ctx context.Context, tenantID, userID string, usedStep int64) error

	// RecordSuccess resets the failure counter, clears any lockout and
	// advances last_used_step, all in one statement. Returns false when
	// the step was already used, which means a concurrent verification
	// won the race and this one is a replay.
	RecordSuccess(ctx context.Context, tenantID, userID string, step int64) (bool, error)

	// RecordFailure increments the failure counter and, in the same
	// statement, sets the lockout when the counter reaches maxAttempts.
	// A lockout that has already expired at now resets the counter, so
	// this failure counts as the first of a fresh allowance. Returns the
	// new counter value and the lockout deadline if one is in effect.
	RecordFailure(ctx context.Context, tenantID, userID string, maxAttempts int, now, lockoutUntil time.Time) (int, *time.Time, error)

	// ClearFailures resets the counter and lockout without touching
	// last_used_step. Used after a successful backup-code verification.
	ClearFailures(ctx context.Context, tenantID, userID string) error

	// ReplaceBackupCodes deletes any stored hashes and inserts the new
	// set in one transaction.
	ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error

	// ListBackupCodeHashes returns the stored (unused) hashes
	ListBackupCodeHashes(ctx context.Context, tenantID, userID string) ([]string, error)

	// ConsumeBackupCode deletes one hash and returns whether a row was
	// deleted. A second consume of the same hash returns false.
	ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error)

	// CountBackupCodes returns how many codes remain
	CountBackupCodes(ctx context.Context, tenantID, userID string) (int, error)

	// DeleteAll removes the secret and all backup codes in one
	// transaction.
	DeleteAll(ctx context.Context, tenantID, userID string) error
}

// PostgresStore implements Store on database/sql
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and ensures its tables exist
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	store := &PostgresStore{db: db}
	if err := store.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure mfa tables: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS mfa_secrets (
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		encrypted_secret TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		lockout_until TIMESTAMP WITH TIME ZONE,
		last_used_step BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (tenant_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS mfa_backup_codes (
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		code_hash VARCHAR(64) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (tenant_id, user_id, code_hash)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func (s *PostgresStore) GetSecret(ctx context.Context, tenantID, userID string) (*Secret, error) {
	query := `
		SELECT encrypted_secret, enabled, failed_attempts, lockout_until, last_used_step, created_at, updated_at
		FROM mfa_secrets
		WHERE tenant_id = $1 AND user_id = $2
	`

	secret := &Secret{TenantID: tenantID, UserID: userID}
	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(
		&secret.EncryptedSecret, &secret.Enabled, &secret.FailedAttempts,
		&secret.LockoutUntil, &secret.LastUsedStep, &secret.CreatedAt, &secret.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mfa secret: %w", err)
	}

	return secret, nil
}

func (s *PostgresStore) UpsertPendingSecret(ctx context.Context, tenantID, userID, encryptedSecret string) error {
	// The upsert only lands while the record is not enabled; re-running
	// setup rotates a pending secret but never clobbers an active one.
	query := `
		INSERT INTO mfa_secrets (tenant_id, user_id, encrypted_secret)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET encrypted_secret = EXCLUDED.encrypted_secret,
		              failed_attempts = 0,
		              lockout_until = NULL,
		              last_used_step = 0,
		              updated_at = NOW()
		WHERE mfa_secrets.enabled = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, userID, encryptedSecret)
	if err != nil {
		return fmt.Errorf("failed to store pending mfa secret: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store pending mfa secret: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyEnabled
	}

	return nil
}

func (s *PostgresStore) EnableSecret(ctx context.Context, tenantID, userID string, usedStep int64) error {
	query := `
		UPDATE mfa_secrets
		SET enabled = TRUE,
		    failed_attempts = 0,
		    lockout_until = NULL,
		    last_used_step = $3,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND enabled = FALSE
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, userID, usedStep)
	if err != nil {
		return fmt.Errorf("failed to enable mfa: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to enable mfa: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyEnabled
	}

	return nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, tenantID, userID string, step int64) (bool, error) {
	// The step guard makes the reset conditional: if another request
	// already consumed this step, no row matches and the caller treats
	// the attempt as a replay.
	query := `
		UPDATE mfa_secrets
		SET failed_attempts = 0,
		    lockout_until = NULL,
		    last_used_step = $3,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2 AND last_used_step < $3
	`

	result, err := s.db.ExecContext(ctx, query, tenantID, userID, step)
	if err != nil {
		return false, fmt.Errorf("failed to record mfa success: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record mfa success: %w", err)
	}

	return rows == 1, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, tenantID, userID string, maxAttempts int, now, lockoutUntil time.Time) (int, *time.Time, error) {
	// Increment and threshold check in one statement so two racing
	// failures cannot both observe a pre-threshold counter. An expired
	// lockout means the counter was never reset by a success; this
	// failure starts a fresh allowance at 1.
	query := `
		UPDATE mfa_secrets
		SET failed_attempts = CASE
		        WHEN lockout_until IS NOT NULL AND lockout_until <= $4 THEN 1
		        ELSE failed_attempts + 1
		    END,
		    lockout_until = CASE
		        WHEN lockout_until IS NOT NULL AND lockout_until <= $4 THEN
		            CASE WHEN $3 <= 1 THEN $5 ELSE NULL END
		        WHEN failed_attempts + 1 >= $3 THEN $5
		        ELSE lockout_until
		    END,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2
		RETURNING failed_attempts, lockout_until
	`

	var attempts int
	var lockout *time.Time
	err := s.db.QueryRowContext(ctx, query, tenantID, userID, maxAttempts, now, lockoutUntil).Scan(&attempts, &lockout)
	if err == sql.ErrNoRows {
		return 0, nil, ErrNotEnrolled
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to record mfa failure: %w", err)
	}

	return attempts, lockout, nil
}

func (s *PostgresStore) ClearFailures(ctx context.Context, tenantID, userID string) error {
	query := `
		UPDATE mfa_secrets
		SET failed_attempts = 0, lockout_until = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND user_id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, tenantID, userID); err != nil {
		return fmt.Errorf("failed to clear mfa failures: %w", err)
	}

	return nil
}

func (s *PostgresStore) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}

	if len(hashes) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mfa_backup_codes (tenant_id, user_id, code_hash)
			SELECT $1, $2, unnest($3::text[])
		`, tenantID, userID, pq.Array(hashes)); err != nil {
			return fmt.Errorf("failed to insert backup codes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit backup codes: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListBackupCodeHashes(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code_hash FROM mfa_backup_codes WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup codes: %w", err)
	}
	defer rows.Close()

	hashes := make([]string, 0)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		hashes = append(hashes, hash)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup codes: %w", err)
	}

	return hashes, nil
}

func (s *PostgresStore) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE tenant_id = $1 AND user_id = $2 AND code_hash = $3`,
		tenantID, userID, hash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}

	return rows == 1, nil
}

func (s *PostgresStore) CountBackupCodes(ctx context.Context, tenantID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mfa_backup_codes WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}

	return count, nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context, tenantID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_secrets WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	); err != nil {
		return fmt.Errorf("failed to delete mfa secret: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mfa_backup_codes WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mfa delete: %w", err)
	}

	return nil
}
