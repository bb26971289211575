package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger writes events to the audit_events table.
type PostgresAuditLogger struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLoggerFromPool uses an already migrated pool.
func NewPostgresAuditLoggerFromPool(pool *pgxpool.Pool) *PostgresAuditLogger {
	return &PostgresAuditLogger{pool: pool}
}

func (s *PostgresAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var changes []byte
	if event.Changes != nil {
		b, err := json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		changes = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12)`,
		event.ID, event.Timestamp, event.Actor, event.ActorType, event.Action,
		event.ResourceType, event.ResourceID, event.ResourceName,
		changes, event.RequestID, event.IPAddress, event.StatusCode,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where, args := postgresWhere(opts)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	n := len(args)
	args = append(args, normalizeLimit(opts.Limit), max(opts.Offset, 0))
	rows, err := s.pool.Query(ctx,
		"SELECT "+auditColumns+" FROM audit_events WHERE "+where+
			" ORDER BY timestamp DESC LIMIT $"+strconv.Itoa(n+1)+" OFFSET $"+strconv.Itoa(n+2), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	events, err := scanPgEvents(rows)
	return events, total, err
}

func (s *PostgresAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+auditColumns+" FROM audit_events WHERE resource_type = $1 AND resource_id = $2 ORDER BY timestamp DESC",
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return scanPgEvents(rows)
}

func postgresWhere(opts ListOptions) (string, []any) {
	conds := []string{"TRUE"}
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, col+" $"+strconv.Itoa(len(args)))
	}
	if opts.Actor != "" {
		add("actor =", opts.Actor)
	}
	if opts.Action != "" {
		add("action =", opts.Action)
	}
	if opts.ResourceType != "" {
		add("resource_type =", opts.ResourceType)
	}
	if opts.Since != nil {
		add("timestamp >=", *opts.Since)
	}
	if opts.Until != nil {
		add("timestamp <=", *opts.Until)
	}
	return strings.Join(conds, " AND "), args
}

func scanPgEvents(rows pgx.Rows) ([]*AuditEvent, error) {
	defer rows.Close()
	var events []*AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			changes []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.ActorType, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.ResourceName, &changes, &e.RequestID, &e.IPAddress, &e.StatusCode); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		if len(changes) > 0 {
			var c Changes
			if err := json.Unmarshal(changes, &c); err == nil {
				e.Changes = &c
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
