package api

import (
	"net/http"
	"strconv"
	"time"

	"guildgate/internal/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// handleAuditList serves GET /api/v1/admin/audit.
// Query params: limit, offset, actor, action, resource_type, since, until (RFC 3339).
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultAuditLimit
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxAuditLimit {
			limit = parsed
		}
	}
	offset := 0
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	opts := audit.ListOptions{
		Limit:        limit,
		Offset:       offset,
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
	}
	var err error
	if opts.Since, err = parseTimeParam(q.Get("since")); err != nil {
		s.writeErr(r.Context(), w, http.StatusBadRequest, "invalid since", err)
		return
	}
	if opts.Until, err = parseTimeParam(q.Get("until")); err != nil {
		s.writeErr(r.Context(), w, http.StatusBadRequest, "invalid until", err)
		return
	}

	events, total, err := s.audit.List(r.Context(), opts)
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to list audit events", err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleAccountAudit serves GET /api/v1/admin/accounts/{id}/audit.
func (s *Server) handleAccountAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.audit.GetByResource(r.Context(), audit.ResourceAccount, id)
	if err != nil {
		s.writeErr(r.Context(), w, http.StatusInternalServerError, "failed to load audit events", err)
		return
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "events": events})
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
