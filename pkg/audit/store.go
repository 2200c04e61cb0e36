package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists audit events.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audit store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes an event. The id and timestamp are assigned here.
func (s *Store) Append(ctx context.Context, event *Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	event.ID = uuid.New()
	event.CreatedAt = time.Now()

	query := `
		INSERT INTO tenant_admin_audit_events (id, tenant_id, performed_by, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID.String(),
		event.TenantID.String(),
		event.PerformedBy.String(),
		string(event.Action),
		string(event.TargetType),
		event.TargetID,
		string(metadataJSON),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListByTenant returns a tenant's events newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, performed_by, action, target_type, target_id, metadata, created_at
		FROM tenant_admin_audit_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var id, tenant, performedBy, metadataJSON string

		err := rows.Scan(
			&id,
			&tenant,
			&performedBy,
			&event.Action,
			&event.TargetType,
			&event.TargetID,
			&metadataJSON,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if event.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid audit event id: %w", err)
		}
		if event.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, fmt.Errorf("invalid tenant id on audit event: %w", err)
		}
		if event.PerformedBy, err = uuid.Parse(performedBy); err != nil {
			return nil, fmt.Errorf("invalid performed_by on audit event: %w", err)
		}
		if metadataJSON != "" && metadataJSON != "null" {
			if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
				event.Metadata = nil
			}
		}

		events = append(events, event)
	}
	return events, rows.Err()
}
