package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nimbuscrm/identity/pkg/secrets"
)

// Storage persists provider configurations and linked identities.
// Secret material never reaches a row unencrypted: the client secret,
// SP private key and refresh tokens pass through the encryption box
// with a context string binding them to their owner.
type Storage struct {
	db  *sql.DB
	box *secrets.Box
}

// NewStorage creates the storage and ensures its tables exist
func NewStorage(db *sql.DB, box *secrets.Box) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if box == nil {
		return nil, fmt.Errorf("encryption box is required")
	}

	s := &Storage{db: db, box: box}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure sso tables: %w", err)
	}

	return s, nil
}

func (s *Storage) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS provider_configs (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		provider_type VARCHAR(20) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		oidc_config JSONB,
		oidc_client_secret TEXT,
		saml_config JSONB,
		saml_sp_key TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (tenant_id, provider_type)
	);

	CREATE TABLE IF NOT EXISTS linked_identities (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		provider_type VARCHAR(20) NOT NULL,
		subject_id VARCHAR(255) NOT NULL,
		email VARCHAR(255),
		encrypted_refresh_token TEXT,
		linked_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		last_login_at TIMESTAMP WITH TIME ZONE,
		UNIQUE (tenant_id, provider_type, subject_id)
	);

	CREATE INDEX IF NOT EXISTS idx_linked_identities_user ON linked_identities(tenant_id, user_id);
	`

	_, err := s.db.Exec(query)
	return err
}

func providerSecretContext(tenantID string, providerType ProviderType) string {
	return fmt.Sprintf("sso:provider:%s:%s", tenantID, providerType)
}

func refreshTokenContext(tenantID, userID string, providerType ProviderType) string {
	return fmt.Sprintf("sso:refresh:%s:%s:%s", tenantID, userID, providerType)
}

// SaveProvider inserts or replaces a tenant's configuration for one
// provider type.
func (s *Storage) SaveProvider(ctx context.Context, config *ProviderConfig) error {
	if !config.Type.Valid() {
		return fmt.Errorf("unknown provider type %q", config.Type)
	}

	var oidcJSON, samlJSON []byte
	var encryptedClientSecret, encryptedSPKey sql.NullString
	var err error

	secretCtx := providerSecretContext(config.TenantID, config.Type)

	if config.OIDC != nil {
		// ClientSecret has no JSON tag so the marshalled blob never
		// carries it.
		oidcJSON, err = json.Marshal(config.OIDC)
		if err != nil {
			return fmt.Errorf("failed to marshal oidc config: %w", err)
		}

		sealed, err := s.box.Encrypt(config.OIDC.ClientSecret, secretCtx)
		if err != nil {
			return fmt.Errorf("failed to encrypt client secret: %w", err)
		}
		encryptedClientSecret = sql.NullString{String: sealed, Valid: true}
	}

	if config.SAML != nil {
		samlJSON, err = json.Marshal(config.SAML)
		if err != nil {
			return fmt.Errorf("failed to marshal saml config: %w", err)
		}

		if config.SAML.SPPrivateKey != "" {
			sealed, err := s.box.Encrypt(config.SAML.SPPrivateKey, secretCtx)
			if err != nil {
				return fmt.Errorf("failed to encrypt sp private key: %w", err)
			}
			encryptedSPKey = sql.NullString{String: sealed, Valid: true}
		}
	}

	query := `
		INSERT INTO provider_configs (
			tenant_id, provider_type, enabled,
			oidc_config, oidc_client_secret, saml_config, saml_sp_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, provider_type)
		DO UPDATE SET enabled = EXCLUDED.enabled,
		              oidc_config = EXCLUDED.oidc_config,
		              oidc_client_secret = EXCLUDED.oidc_client_secret,
		              saml_config = EXCLUDED.saml_config,
		              saml_sp_key = EXCLUDED.saml_sp_key,
		              updated_at = NOW()
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		config.TenantID, config.Type, config.Enabled,
		nullBytes(oidcJSON), encryptedClientSecret, nullBytes(samlJSON), encryptedSPKey,
	).Scan(&config.ID)
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}

	return nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// GetProvider loads a tenant's enabled configuration for one provider
// type, with secret material decrypted.
func (s *Storage) GetProvider(ctx context.Context, tenantID string, providerType ProviderType) (*ProviderConfig, error) {
	query := `
		SELECT id, enabled, oidc_config, oidc_client_secret, saml_config, saml_sp_key, created_at, updated_at
		FROM provider_configs
		WHERE tenant_id = $1 AND provider_type = $2
	`

	config := &ProviderConfig{TenantID: tenantID, Type: providerType}
	var oidcJSON, samlJSON []byte
	var encryptedClientSecret, encryptedSPKey sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID, providerType).Scan(
		&config.ID, &config.Enabled,
		&oidcJSON, &encryptedClientSecret, &samlJSON, &encryptedSPKey,
		&config.CreatedAt, &config.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}
	if !config.Enabled {
		return nil, ErrProviderNotConfigured
	}

	secretCtx := providerSecretContext(tenantID, providerType)

	if len(oidcJSON) > 0 {
		config.OIDC = &OIDCConfig{}
		if err := json.Unmarshal(oidcJSON, config.OIDC); err != nil {
			return nil, fmt.Errorf("failed to unmarshal oidc config: %w", err)
		}
		if encryptedClientSecret.Valid {
			plain, err := s.box.Decrypt(encryptedClientSecret.String, secretCtx)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
			}
			config.OIDC.ClientSecret = plain
		}
	}

	if len(samlJSON) > 0 {
		config.SAML = &SAMLConfig{}
		if err := json.Unmarshal(samlJSON, config.SAML); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saml config: %w", err)
		}
		if encryptedSPKey.Valid {
			plain, err := s.box.Decrypt(encryptedSPKey.String, secretCtx)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt sp private key: %w", err)
			}
			config.SAML.SPPrivateKey = plain
		}
	}

	return config, nil
}

// DeleteProvider removes a tenant's configuration for one provider
func (s *Storage) DeleteProvider(ctx context.Context, tenantID string, providerType ProviderType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_configs WHERE tenant_id = $1 AND provider_type = $2`,
		tenantID, providerType,
	)
	if err != nil {
		return fmt.Errorf("failed to delete provider config: %w", err)
	}
	return nil
}

// LinkIdentity creates the link between an external subject and a
// local user. Fails with ErrAlreadyLinked when the subject is linked
// to a different user; relinking the same user refreshes the stored
// refresh token.
func (s *Storage) LinkIdentity(ctx context.Context, link *LinkedIdentity, refreshToken string) error {
	var encryptedToken sql.NullString
	if refreshToken != "" {
		sealed, err := s.box.Encrypt(refreshToken, refreshTokenContext(link.TenantID, link.UserID, link.Provider))
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encryptedToken = sql.NullString{String: sealed, Valid: true}
	}

	// The conditional update only fires when the subject already
	// belongs to this user, so a foreign link surfaces as no row.
	query := `
		INSERT INTO linked_identities (
			tenant_id, user_id, provider_type, subject_id, email, encrypted_refresh_token
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, provider_type, subject_id)
		DO UPDATE SET email = EXCLUDED.email,
		              encrypted_refresh_token = EXCLUDED.encrypted_refresh_token
		WHERE linked_identities.user_id = EXCLUDED.user_id
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		link.TenantID, link.UserID, link.Provider, link.SubjectID, link.Email, encryptedToken,
	).Scan(&link.ID)
	if err == sql.ErrNoRows {
		return ErrAlreadyLinked
	}
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}

	return nil
}

// UnlinkIdentity removes a link and with it the stored encrypted
// refresh token.
func (s *Storage) UnlinkIdentity(ctx context.Context, tenantID, userID string, providerType ProviderType) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM linked_identities WHERE tenant_id = $1 AND user_id = $2 AND provider_type = $3`,
		tenantID, userID, providerType,
	)
	if err != nil {
		return fmt.Errorf("failed to unlink identity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to unlink identity: %w", err)
	}
	if rows == 0 {
		return ErrNotLinked
	}

	return nil
}

// FindLink looks up the local user an external subject is linked to
func (s *Storage) FindLink(ctx context.Context, tenantID string, providerType ProviderType, subjectID string) (*LinkedIdentity, error) {
	query := `
		SELECT id, user_id, email, encrypted_refresh_token, linked_at, last_login_at
		FROM linked_identities
		WHERE tenant_id = $1 AND provider_type = $2 AND subject_id = $3
	`

	link := &LinkedIdentity{TenantID: tenantID, Provider: providerType, SubjectID: subjectID}
	var encryptedToken sql.NullString

	err := s.db.QueryRowContext(ctx, query, tenantID, providerType, subjectID).Scan(
		&link.ID, &link.UserID, &link.Email, &encryptedToken, &link.LinkedAt, &link.LastLoginAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find linked identity: %w", err)
	}

	if encryptedToken.Valid {
		link.EncryptedRefreshToken = encryptedToken.String
	}

	return link, nil
}

// ListLinks returns all identities linked to a user
func (s *Storage) ListLinks(ctx context.Context, tenantID, userID string) ([]*LinkedIdentity, error) {
	query := `
		SELECT id, provider_type, subject_id, email, linked_at, last_login_at
		FROM linked_identities
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY provider_type
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked identities: %w", err)
	}
	defer rows.Close()

	links := make([]*LinkedIdentity, 0)
	for rows.Next() {
		link := &LinkedIdentity{TenantID: tenantID, UserID: userID}
		if err := rows.Scan(&link.ID, &link.Provider, &link.SubjectID, &link.Email, &link.LinkedAt, &link.LastLoginAt); err != nil {
			return nil, fmt.Errorf("failed to scan linked identity: %w", err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating linked identities: %w", err)
	}

	return links, nil
}

// TouchLogin records a successful federated login on the link
func (s *Storage) TouchLogin(ctx context.Context, tenantID string, providerType ProviderType, subjectID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE linked_identities SET last_login_at = $4 WHERE tenant_id = $1 AND provider_type = $2 AND subject_id = $3`,
		tenantID, providerType, subjectID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// RefreshTokenFor decrypts the stored refresh token for a link
func (s *Storage) RefreshTokenFor(ctx context.Context, link *LinkedIdentity) (string, error) {
	if link.EncryptedRefreshToken == "" {
		return "", nil
	}
	plain, err := s.box.Decrypt(link.EncryptedRefreshToken, refreshTokenContext(link.TenantID, link.UserID, link.Provider))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return plain, nil
}
