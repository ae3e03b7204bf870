package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/envrun/pkg/engine"
)

// AuditFilter narrows ListAuditEntries. Empty fields match everything.
type AuditFilter struct {
	Action     string
	Actor      string
	TargetType string
	TargetID   string
	Limit      int
	Offset     int
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	details, err := encodeJSON(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit (id, action, actor, target_type, target_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.Action,
		entry.Actor,
		entry.TargetType,
		entry.TargetID,
		details,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]engine.AuditEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	query := `
		SELECT id, action, actor, target_type, target_id, details, created_at
		FROM audit
		WHERE (? = '' OR action = ?)
		  AND (? = '' OR actor = ?)
		  AND (? = '' OR target_type = ?)
		  AND (? = '' OR target_id = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Action, filter.Action,
		filter.Actor, filter.Actor,
		filter.TargetType, filter.TargetType,
		filter.TargetID, filter.TargetID,
		filter.Limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.AuditEntry{}
	for rows.Next() {
		var entry engine.AuditEntry
		var details sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetType,
			&entry.TargetID,
			&details,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := decodeJSON(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
