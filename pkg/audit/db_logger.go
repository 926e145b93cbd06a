package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{
		db: db,
	}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure auth_audit_log table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the auth_audit_log table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_audit_log (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		tenant_id VARCHAR(255),
		user_id VARCHAR(255),
		provider VARCHAR(50),
		method VARCHAR(50),
		ip_address VARCHAR(45),
		request_id VARCHAR(100),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	-- Indexes for common query patterns
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_timestamp ON auth_audit_log(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_event_type ON auth_audit_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_tenant_user ON auth_audit_log(tenant_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_auth_audit_log_status ON auth_audit_log(status);
	`

	_, err := l.db.Exec(query)
	return err
}

// Log writes an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO auth_audit_log (
			timestamp, event_type, status,
			tenant_id, user_id, provider, method,
			ip_address, request_id,
			message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9,
			$10, $11
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.TenantID, event.UserID, event.Provider, event.Method,
		event.IPAddress, event.RequestID,
		event.Message, metadataJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// Search searches audit events based on filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := `
		SELECT
			id, timestamp, event_type, status,
			tenant_id, user_id, provider, method,
			ip_address, request_id,
			message, metadata
		FROM auth_audit_log
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argCount)
		args = append(args, *filter.StartTime)
		argCount++
	}

	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argCount)
		args = append(args, *filter.EndTime)
		argCount++
	}

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, filter.TenantID)
		argCount++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argCount)
		args = append(args, filter.UserID)
		argCount++
	}

	if filter.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argCount)
		args = append(args, filter.Provider)
		argCount++
	}

	if len(filter.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argCount)
		eventTypeStrs := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			eventTypeStrs[i] = string(et)
		}
		args = append(args, pq.Array(eventTypeStrs))
		argCount++
	}

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(*filter.Status))
		argCount++
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		event := &Event{}

		var metadataJSON []byte

		err := rows.Scan(
			&event.ID, &event.Timestamp, &event.EventType, &event.Status,
			&event.TenantID, &event.UserID, &event.Provider, &event.Method,
			&event.IPAddress, &event.RequestID,
			&event.Message, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if len(metadataJSON) > 0 {
			event.Metadata = make(map[string]interface{})
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}

// Close closes the database logger. The connection is shared so it is
// not closed here.
func (l *DBLogger) Close() error {
	return nil
}
