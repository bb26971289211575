package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Discord endpoints.
const (
	DiscordAuthURL  = "https://discord.com/oauth2/authorize"
	DiscordTokenURL = "https://discord.com/api/oauth2/token"
	DiscordAPIBase  = "https://discord.com/api/v10"
)

// DiscordConfig configures the Discord OAuth2 client.
type DiscordConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string // defaults to ["identify"]

	// Endpoint overrides; empty uses the public Discord endpoints.
	AuthURL  string
	TokenURL string
	APIBase  string

	Timeout time.Duration
}

// Discord exchanges codes with Discord and reads GET /users/@me.
type Discord struct {
	oauth2Config oauth2.Config
	apiBase      string
	timeout      time.Duration
	http         *http.Client
}

var _ Provider = (*Discord)(nil)

// NewDiscord creates a Discord provider.
func NewDiscord(cfg DiscordConfig) *Discord {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"identify"}
	}
	authURL := firstNonEmpty(cfg.AuthURL, DiscordAuthURL)
	tokenURL := firstNonEmpty(cfg.TokenURL, DiscordTokenURL)
	apiBase := strings.TrimRight(firstNonEmpty(cfg.APIBase, DiscordAPIBase), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Discord{
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBase: apiBase,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

func (d *Discord) Name() string { return "discord" }

// AuthCodeURL generates the Discord redirect URL with the given state.
func (d *Discord) AuthCodeURL(state string) string {
	return d.oauth2Config.AuthCodeURL(state)
}

// discordUser is the subset of GET /users/@me used here.
type discordUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
}

// Exchange redeems code and fetches the authenticated user. No retries.
func (d *Discord) Exchange(ctx context.Context, code string) (*Profile, error) {
	if code == "" {
		return nil, d.fail("exchange", 0, errors.New("empty authorization code"))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.http)

	token, err := d.oauth2Config.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, d.fail("exchange", re.Response.StatusCode, err)
		}
		return nil, d.fail("exchange", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiBase+"/users/@me", nil)
	if err != nil {
		return nil, d.fail("userinfo", 0, err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, d.fail("userinfo", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, d.fail("userinfo", resp.StatusCode, fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	var u discordUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, d.fail("decode", 0, err)
	}
	if u.ID == "" || u.Username == "" {
		return nil, d.fail("decode", 0, errors.New("profile missing id or username"))
	}

	p := &Profile{
		ExternalID:    u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
	}
	if u.Avatar != nil {
		p.AvatarRef = *u.Avatar
	}
	return p, nil
}

func (d *Discord) fail(op string, status int, err error) *ProviderError {
	return &ProviderError{Provider: d.Name(), Op: op, Status: status, Err: err}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
