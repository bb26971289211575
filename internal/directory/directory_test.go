package directory

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"guildgate/internal/observability"
	gtestutil "guildgate/internal/testutil"
)

func newTestResolver(f *gtestutil.FakeDiscord, timeout time.Duration, logs *bytes.Buffer, m *observability.Metrics) *Resolver {
	logger := observability.NewLogger(observability.Config{Level: "debug", Output: logs})
	return New(Config{
		GuildID:  f.GuildID,
		BotToken: f.BotToken,
		APIBase:  f.APIBase(),
		Timeout:  timeout,
	}, logger, m)
}

func TestFetchGroups_Success(t *testing.T) {
	f := gtestutil.NewFakeDiscord(t)
	f.SetMemberRoles("1001", "r-admin", "r-staff")

	r := newTestResolver(f, time.Second, &bytes.Buffer{}, nil)
	groups := r.FetchGroups(context.Background(), "1001")

	if len(groups) != 2 || !groups.Has("r-admin") || !groups.Has("r-staff") {
		t.Errorf("FetchGroups = %v", groups)
	}
}

func TestFetchGroups_FailuresDegradeToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *gtestutil.FakeDiscord)
		user    string
		outcome string
	}{
		{"server error", func(f *gtestutil.FakeDiscord) { f.FailMembers(http.StatusInternalServerError, `{"message":"boom"}`) }, "1001", OutcomeStatus},
		{"unknown member", nil, "nobody", OutcomeStatus},
		{"malformed body", func(f *gtestutil.FakeDiscord) { f.SetMemberBody(`{"roles":`) }, "1001", OutcomeMalformed},
		{"roles not an array", func(f *gtestutil.FakeDiscord) { f.SetMemberBody(`{"roles":"r-admin"}`) }, "1001", OutcomeMalformed},
		{"roles null", func(f *gtestutil.FakeDiscord) { f.SetMemberBody(`{"roles":null}`) }, "1001", OutcomeMalformed},
		{"roles missing", func(f *gtestutil.FakeDiscord) { f.SetMemberBody(`{"user":{}}`) }, "1001", OutcomeMalformed},
		{"timeout", func(f *gtestutil.FakeDiscord) { f.SetMemberDelay(500 * time.Millisecond) }, "1001", OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := gtestutil.NewFakeDiscord(t)
			f.SetMemberRoles("1001", "r-admin")
			if tt.setup != nil {
				tt.setup(f)
			}
			m := observability.NewMetrics("dir_test", "test")
			logs := &bytes.Buffer{}

			groups := newTestResolver(f, 100*time.Millisecond, logs, m).FetchGroups(context.Background(), tt.user)
			if len(groups) != 0 {
				t.Errorf("expected empty set, got %v", groups)
			}
			if !strings.Contains(logs.String(), `"level":"WARN"`) {
				t.Errorf("expected a warning log, got %s", logs.String())
			}
			count, err := testutil.GatherAndCount(m.Registry(), "dir_test_directory_lookups_total")
			if err != nil || count != 1 {
				t.Errorf("lookup series = %d, %v", count, err)
			}
			if !strings.Contains(gatherText(t, m), `outcome="`+tt.outcome+`"`) {
				t.Errorf("outcome %q not recorded", tt.outcome)
			}
		})
	}
}

func TestFetchGroups_TruncatesDiagnosticBody(t *testing.T) {
	f := gtestutil.NewFakeDiscord(t)
	f.FailMembers(http.StatusForbidden, strings.Repeat("x", 2000))
	logs := &bytes.Buffer{}

	newTestResolver(f, time.Second, logs, nil).FetchGroups(context.Background(), "1001")

	if !strings.Contains(logs.String(), strings.Repeat("x", maxDiagnosticBody)) {
		t.Error("diagnostic body missing from log")
	}
	if strings.Contains(logs.String(), strings.Repeat("x", maxDiagnosticBody+1)) {
		t.Error("diagnostic body not truncated")
	}
	if strings.Contains(logs.String(), f.BotToken) {
		t.Error("bot token leaked into logs")
	}
}

func TestFetchGroups_Unconfigured(t *testing.T) {
	f := gtestutil.NewFakeDiscord(t)
	r := New(Config{GuildID: f.GuildID, APIBase: f.APIBase()}, nil, nil)

	if r.Enabled() {
		t.Fatal("resolver without bot token reports enabled")
	}
	if groups := r.FetchGroups(context.Background(), "1001"); len(groups) != 0 {
		t.Errorf("expected empty set, got %v", groups)
	}
	if n := f.MemberCalls.Load(); n != 0 {
		t.Errorf("unconfigured resolver made %d requests", n)
	}
}

func TestFetchGroups_CollapsesConcurrentLookups(t *testing.T) {
	f := gtestutil.NewFakeDiscord(t)
	f.SetMemberRoles("1001", "r-staff")
	f.SetMemberDelay(100 * time.Millisecond)
	r := newTestResolver(f, time.Second, &bytes.Buffer{}, nil)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups := r.FetchGroups(context.Background(), "1001")
			results[i] = len(groups)
			groups["mutated"] = struct{}{}
		}()
	}
	wg.Wait()

	for i, n := range results {
		if n != 1 {
			t.Errorf("caller %d got %d groups, want 1", i, n)
		}
	}
	if calls := f.MemberCalls.Load(); calls >= callers {
		t.Errorf("upstream called %d times for %d concurrent callers", calls, callers)
	}
}

func gatherText(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var b strings.Builder
	for _, mf := range families {
		if mf.GetName() != "dir_test_directory_lookups_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				b.WriteString(l.GetName() + `="` + l.GetValue() + `" `)
			}
		}
	}
	return b.String()
}
