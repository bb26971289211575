// Package directory resolves an external identity's guild roles into a GroupSet.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"guildgate/internal/auth"
	"guildgate/internal/observability"
)

// DefaultTimeout bounds one membership lookup.
const DefaultTimeout = 5 * time.Second

// DefaultAPIBase is the Discord REST base URL.
const DefaultAPIBase = "https://discord.com/api/v10"

// maxDiagnosticBody caps how much of a failed response body is logged.
const maxDiagnosticBody = 512

// Lookup outcomes, used as the directory_lookups_total label.
const (
	OutcomeOK           = "ok"
	OutcomeUnconfigured = "unconfigured"
	OutcomeError        = "error"
	OutcomeStatus       = "status"
	OutcomeMalformed    = "malformed"
)

// Config configures the guild member lookup.
type Config struct {
	GuildID  string
	BotToken string
	APIBase  string
	Timeout  time.Duration
}

// Resolver fetches guild role ids for a user with a bot credential.
type Resolver struct {
	guildID  string
	botToken string
	apiBase  string
	http     *http.Client
	group    singleflight.Group
	logger   observability.Logger
	metrics  *observability.Metrics
}

// New creates a Resolver. A nil logger discards output; metrics may be nil.
func New(cfg Config, logger observability.Logger, metrics *observability.Metrics) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if logger == nil {
		logger = observability.NewLogger(observability.Config{Output: io.Discard})
	}
	return &Resolver{
		guildID:  cfg.GuildID,
		botToken: cfg.BotToken,
		apiBase:  strings.TrimRight(apiBase, "/"),
		http:     &http.Client{Timeout: timeout},
		logger:   logger.WithComponent("directory"),
		metrics:  metrics,
	}
}

// Enabled reports whether both the guild id and bot token are set.
func (r *Resolver) Enabled() bool {
	return r.guildID != "" && r.botToken != ""
}

// memberResponse is the subset of a guild member object used here.
// Roles is kept raw so a non-array value is detected as malformed.
type memberResponse struct {
	Roles json.RawMessage `json:"roles"`
}

type lookupResult struct {
	groups  auth.GroupSet
	outcome string
}

// FetchGroups returns the guild role ids for externalID. It never fails:
// every failure is logged and yields an empty set. Concurrent calls for
// the same id share one upstream request.
func (r *Resolver) FetchGroups(ctx context.Context, externalID string) auth.GroupSet {
	if !r.Enabled() {
		r.record(ctx, OutcomeUnconfigured, "directory lookup skipped: guild id or bot token unset")
		return auth.NewGroupSet()
	}

	v, _, _ := r.group.Do(externalID, func() (any, error) {
		// Detach from the first caller's cancellation; the client timeout bounds the call.
		return r.lookup(context.WithoutCancel(ctx), externalID), nil
	})
	res := v.(lookupResult)
	r.metrics.DirectoryLookup(res.outcome)
	return res.groups.Clone()
}

func (r *Resolver) lookup(ctx context.Context, externalID string) lookupResult {
	empty := func(outcome string) lookupResult {
		return lookupResult{groups: auth.NewGroupSet(), outcome: outcome}
	}

	endpoint := r.apiBase + "/guilds/" + url.PathEscape(r.guildID) + "/members/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		r.logger.WarnContext(ctx, "directory request build failed", "external_id", externalID, "error", err)
		return empty(OutcomeError)
	}
	req.Header.Set("Authorization", "Bot "+r.botToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			timeout = true
		}
		r.logger.WarnContext(ctx, "directory lookup failed", "external_id", externalID, "timeout", timeout, "error", err)
		return empty(OutcomeError)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.logger.WarnContext(ctx, "directory response read failed", "external_id", externalID, "error", err)
		return empty(OutcomeError)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		diag := body
		if len(diag) > maxDiagnosticBody {
			diag = diag[:maxDiagnosticBody]
		}
		r.logger.WarnContext(ctx, "directory lookup rejected",
			"external_id", externalID,
			"status", resp.StatusCode,
			"body", string(diag),
		)
		return empty(OutcomeStatus)
	}

	var member memberResponse
	if err := json.Unmarshal(body, &member); err != nil {
		r.logger.WarnContext(ctx, "directory response undecodable", "external_id", externalID, "error", err)
		return empty(OutcomeMalformed)
	}
	var roles []string
	if len(member.Roles) == 0 || string(member.Roles) == "null" || json.Unmarshal(member.Roles, &roles) != nil {
		r.logger.WarnContext(ctx, "directory response has no role list", "external_id", externalID)
		return empty(OutcomeMalformed)
	}

	r.logger.DebugContext(ctx, "directory lookup ok", "external_id", externalID, "roles", len(roles))
	return lookupResult{groups: auth.NewGroupSet(roles...), outcome: OutcomeOK}
}

func (r *Resolver) record(ctx context.Context, outcome, msg string) {
	r.logger.WarnContext(ctx, msg)
	r.metrics.DirectoryLookup(outcome)
}
