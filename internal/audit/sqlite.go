package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteAuditLogger writes events to the audit_events table.
type SQLiteAuditLogger struct {
	db *sql.DB
}

// NewSQLiteAuditLoggerFromDB uses an already migrated database handle.
func NewSQLiteAuditLoggerFromDB(db *sql.DB) *SQLiteAuditLogger {
	return &SQLiteAuditLogger{db: db}
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const auditColumns = "id, timestamp, actor, actor_type, action, resource_type, resource_id, resource_name, changes, request_id, ip_address, status_code"

func (s *SQLiteAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var changes sql.NullString
	if event.Changes != nil {
		b, err := json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		changes = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(timeLayout),
		event.Actor, event.ActorType, event.Action,
		event.ResourceType, event.ResourceID, event.ResourceName,
		changes, event.RequestID, event.IPAddress, event.StatusCode,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteAuditLogger) List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	where, args := sqliteWhere(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	args = append(args, normalizeLimit(opts.Limit), max(opts.Offset, 0))
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_events WHERE "+where+" ORDER BY timestamp DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events, err := scanSQLiteEvents(rows)
	return events, total, err
}

func (s *SQLiteAuditLogger) GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+auditColumns+" FROM audit_events WHERE resource_type = ? AND resource_id = ? ORDER BY timestamp DESC",
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanSQLiteEvents(rows)
}

func sqliteWhere(opts ListOptions) (string, []any) {
	conds := []string{"1=1"}
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if opts.Actor != "" {
		add("actor = ?", opts.Actor)
	}
	if opts.Action != "" {
		add("action = ?", opts.Action)
	}
	if opts.ResourceType != "" {
		add("resource_type = ?", opts.ResourceType)
	}
	if opts.Since != nil {
		add("timestamp >= ?", opts.Since.UTC().Format(timeLayout))
	}
	if opts.Until != nil {
		add("timestamp <= ?", opts.Until.UTC().Format(timeLayout))
	}
	return strings.Join(conds, " AND "), args
}

func scanSQLiteEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			ts      string
			changes sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.ActorType, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.ResourceName, &changes, &e.RequestID, &e.IPAddress, &e.StatusCode); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		e.Timestamp = t
		if changes.Valid && changes.String != "" {
			var c Changes
			if err := json.Unmarshal([]byte(changes.String), &c); err == nil {
				e.Changes = &c
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
