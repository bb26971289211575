package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// mockOIDCServer serves OIDC discovery, JWKS, and a token endpoint that
// issues an ID token for audience "test-client-id".
func mockOIDCServer(t *testing.T, audience string) *httptest.Server {
	t.Helper()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		discovery := map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
			"subject_types_supported":               []string{"public"},
			"response_types_supported":              []string{"code"},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(discovery)
	})

	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		jwks := jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{{
				Key:       &privKey.PublicKey,
				KeyID:     "test-key-1",
				Algorithm: string(jose.RS256),
				Use:       "sig",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		signerOpts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1")
		signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privKey}, signerOpts)
		if err != nil {
			http.Error(w, fmt.Sprintf("create signer: %v", err), http.StatusInternalServerError)
			return
		}

		now := time.Now()
		claims := jwt.Claims{
			Issuer:    srv.URL,
			Subject:   "user-123",
			Audience:  jwt.Audience{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
		}
		extra := map[string]any{
			"preferred_username": "alice",
			"name":               "Alice",
			"picture":            "https://cdn.example.com/alice.png",
		}
		rawJWT, err := jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
		if err != nil {
			http.Error(w, fmt.Sprintf("sign jwt: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "mock-access-token",
			"token_type":   "Bearer",
			"id_token":     rawJWT,
			"expires_in":   3600,
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOIDC(t *testing.T, issuer string) *OIDC {
	t.Helper()
	p, err := NewOIDC(context.Background(), OIDCConfig{
		IssuerURL:    issuer,
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:3000/auth/callback",
	})
	if err != nil {
		t.Fatalf("NewOIDC: %v", err)
	}
	return p
}

func TestNewOIDC_InvalidIssuer(t *testing.T) {
	_, err := NewOIDC(context.Background(), OIDCConfig{
		IssuerURL: "http://127.0.0.1:1/nonexistent",
		ClientID:  "test-client-id",
		Timeout:   time.Second,
	})
	if err == nil {
		t.Fatal("expected error for invalid issuer URL")
	}
}

func TestOIDC_AuthCodeURL(t *testing.T) {
	srv := mockOIDCServer(t, "test-client-id")
	url := newTestOIDC(t, srv.URL).AuthCodeURL("random-state-123")

	for _, check := range []string{"client_id=test-client-id", "state=random-state-123", "scope=openid", "response_type=code"} {
		if !strings.Contains(url, check) {
			t.Errorf("AuthCodeURL missing %q in URL: %s", check, url)
		}
	}
}

func TestOIDC_Exchange(t *testing.T) {
	srv := mockOIDCServer(t, "test-client-id")
	p, err := newTestOIDC(t, srv.URL).Exchange(context.Background(), "mock-auth-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if p.ExternalID != "user-123" {
		t.Errorf("ExternalID = %q, want user-123", p.ExternalID)
	}
	if p.DisplayName() != "alice" {
		t.Errorf("DisplayName = %q, want alice", p.DisplayName())
	}
	if p.AvatarRef != "https://cdn.example.com/alice.png" {
		t.Errorf("AvatarRef = %q", p.AvatarRef)
	}
}

func TestOIDC_ExchangeWrongAudience(t *testing.T) {
	srv := mockOIDCServer(t, "someone-else")
	_, err := newTestOIDC(t, srv.URL).Exchange(context.Background(), "code")

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Op != "verify" {
		t.Fatalf("expected verify ProviderError, got %v", err)
	}
	if !errors.Is(err, ErrProvider) {
		t.Error("error does not match ErrProvider")
	}
}

func TestOIDC_EmptyCode(t *testing.T) {
	srv := mockOIDCServer(t, "test-client-id")
	if _, err := newTestOIDC(t, srv.URL).Exchange(context.Background(), ""); !errors.Is(err, ErrProvider) {
		t.Errorf("Exchange(\"\") = %v, want ErrProvider", err)
	}
}
