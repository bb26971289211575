package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds configuration for creating an OIDC provider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string // e.g., ["openid", "profile"]
	Timeout      time.Duration
}

// OIDC wraps OIDC discovery, token verification, and OAuth2 config.
type OIDC struct {
	verifier     *gooidc.IDTokenVerifier
	oauth2Config oauth2.Config
	timeout      time.Duration
	http         *http.Client
}

var _ Provider = (*OIDC)(nil)

// oidcClaims are the ID token claims mapped onto a Profile.
type oidcClaims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Picture           string `json:"picture"`
}

// NewOIDC creates a provider by performing OIDC discovery on the issuer URL.
func NewOIDC(ctx context.Context, cfg OIDCConfig) (*OIDC, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	prov, err := gooidc.NewProvider(gooidc.ClientContext(ctx, client), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile"}
	}

	return &OIDC{
		verifier: prov.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     prov.Endpoint(),
			Scopes:       scopes,
		},
		timeout: timeout,
		http:    client,
	}, nil
}

func (p *OIDC) Name() string { return "oidc" }

// AuthCodeURL generates the IdP redirect URL with the given state.
func (p *OIDC) AuthCodeURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for tokens, verifies the ID token,
// and maps its claims onto a Profile.
func (p *OIDC) Exchange(ctx context.Context, code string) (*Profile, error) {
	if code == "" {
		return nil, p.fail("exchange", errors.New("empty authorization code"))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = gooidc.ClientContext(ctx, p.http)

	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, p.fail("exchange", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, p.fail("exchange", errors.New("no id_token in response"))
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, p.fail("verify", err)
	}

	var claims oidcClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, p.fail("decode", err)
	}

	username := firstNonEmpty(claims.PreferredUsername, claims.Name, idToken.Subject)
	return &Profile{
		ExternalID: idToken.Subject,
		Username:   username,
		AvatarRef:  claims.Picture,
	}, nil
}

func (p *OIDC) fail(op string, err error) *ProviderError {
	return &ProviderError{Provider: p.Name(), Op: op, Err: err}
}
