package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// DiscordUser is the /users/@me payload served by FakeDiscord.
type DiscordUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
}

// FakeDiscord serves the Discord OAuth2 token endpoint, GET /users/@me and
// GET /guilds/{guild}/members/{user} from one httptest server.
type FakeDiscord struct {
	Server   *httptest.Server
	GuildID  string
	BotToken string

	mu           sync.Mutex
	users        map[string]DiscordUser // authorization code -> user
	members      map[string][]string    // user id -> role ids
	tokenStatus  int
	userStatus   int
	memberStatus int
	memberBody   string
	memberDelay  time.Duration

	TokenCalls  atomic.Int64
	MemberCalls atomic.Int64
}

// NewFakeDiscord starts a fake Discord API. It is closed with t.Cleanup.
func NewFakeDiscord(t *testing.T) *FakeDiscord {
	t.Helper()

	f := &FakeDiscord{
		GuildID:  "guild-1",
		BotToken: "bot-token",
		users:    make(map[string]DiscordUser),
		members:  make(map[string][]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/token", f.handleToken)
	mux.HandleFunc("GET /users/@me", f.handleMe)
	mux.HandleFunc("GET /guilds/{guild}/members/{user}", f.handleMember)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// AuthURL is the authorize endpoint; it is never fetched by the server under test.
func (f *FakeDiscord) AuthURL() string { return f.Server.URL + "/oauth2/authorize" }

// TokenURL is the token endpoint.
func (f *FakeDiscord) TokenURL() string { return f.Server.URL + "/oauth2/token" }

// APIBase is the REST base for /users/@me and guild lookups.
func (f *FakeDiscord) APIBase() string { return f.Server.URL }

// AddUser makes code redeemable for u.
func (f *FakeDiscord) AddUser(code string, u DiscordUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[code] = u
}

// SetMemberRoles sets the guild roles returned for userID.
func (f *FakeDiscord) SetMemberRoles(userID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[userID] = roles
}

// FailToken makes the token endpoint answer with status.
func (f *FakeDiscord) FailToken(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
}

// FailUser makes /users/@me answer with status.
func (f *FakeDiscord) FailUser(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userStatus = status
}

// FailMembers makes the guild member endpoint answer with status and body.
func (f *FakeDiscord) FailMembers(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberStatus = status
	f.memberBody = body
}

// SetMemberBody replaces the member response with a raw 200 body.
func (f *FakeDiscord) SetMemberBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberStatus = http.StatusOK
	f.memberBody = body
}

// SetMemberDelay delays every member response.
func (f *FakeDiscord) SetMemberDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberDelay = d
}

func (f *FakeDiscord) handleToken(w http.ResponseWriter, r *http.Request) {
	f.TokenCalls.Add(1)
	f.mu.Lock()
	status := f.tokenStatus
	f.mu.Unlock()

	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "invalid_grant"})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	code := r.PostForm.Get("code")
	f.mu.Lock()
	_, ok := f.users[code]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "at-" + code,
		"token_type":   "Bearer",
		"expires_in":   604800,
		"scope":        "identify",
	})
}

func (f *FakeDiscord) handleMe(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.userStatus
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "upstream failure"})
		return
	}

	code, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer at-")
	f.mu.Lock()
	u, found := f.users[code]
	f.mu.Unlock()
	if !ok || !found {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401: Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (f *FakeDiscord) handleMember(w http.ResponseWriter, r *http.Request) {
	f.MemberCalls.Add(1)
	f.mu.Lock()
	status, body, delay := f.memberStatus, f.memberBody, f.memberDelay
	roles, found := f.members[r.PathValue("user")]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if r.Header.Get("Authorization") != "Bot "+f.BotToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401: Unauthorized"})
		return
	}
	if r.PathValue("guild") != f.GuildID {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Unknown Guild", "code": 10004})
		return
	}
	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Unknown Member", "code": 10007})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  map[string]string{"id": r.PathValue("user")},
		"roles": roles,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
