package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestDiscoveryHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud, WithLeeway(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(oidcSrv.issuer, aud)
	claims["scope"] = "rpc:call rpc:admin"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("want sub user-123, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "rpc:call rpc:admin" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestDiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, oidcSrv.issuer, "aud"); err == nil {
		t.Fatal("expected error for discovery metadata without jwks_uri")
	}
}

func TestAudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(oidcSrv.issuer, aud)
	claims["aud"] = []string{"https://other", aud}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestExtraAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	primary := "https://rpc.example.com/v1"
	extra := "http://localhost:8080/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, primary, WithExtraAudiences(extra))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(oidcSrv.issuer, extra)
	tok := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check (extra audience): %v", err)
	}

	claims["aud"] = "https://unknown"
	tok2 := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for unknown audience, got %v", err)
	}
}

func TestInsufficientScope(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud, WithRequiredScopes("rpc:call", "rpc:admin"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(oidcSrv.issuer, aud)
	claims["scope"] = "rpc:call"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}
}

func TestAnyScopeMode(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud, WithAnyRequiredScope("rpc:call", "rpc:admin"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims(oidcSrv.issuer, aud)
	claims["scope"] = "rpc:admin"
	tok := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}

	claims["scope"] = "something:else"
	tok2 := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok2); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}
}

func TestInvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := signToken(t, pk, kid, "JWT", baseClaims(oidcSrv.issuer, aud))
	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestIssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, nil)

	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, aud, WithLeeway(0))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	claims := baseClaims("https://evil.example.com", aud)
	tok := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestStaticSkipsDiscovery(t *testing.T) {
	pk, kid, jwks := genRSA(t)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/keys" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer jwksSrv.Close()

	issuer := "https://tokens.internal"
	aud := "https://rpc.example.com/v1"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, issuer, []string{aud}, jwksSrv.URL+"/keys")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	tok := signToken(t, pk, kid, "at+jwt", baseClaims(issuer, aud))
	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("sub = %s", ui.UserID())
	}
}

func TestAdvertisement(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidcSrv := newMockOIDC(t, jwks, map[string]any{"scopes_supported": []string{"rpc:call"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, oidcSrv.issuer, "https://rpc.example.com/v1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ad := a.Advertisement()
	if ad.Issuer != oidcSrv.issuer {
		t.Errorf("issuer = %q", ad.Issuer)
	}
	if ad.JWKSURI != oidcSrv.issuer+"/keys" {
		t.Errorf("jwks uri = %q", ad.JWKSURI)
	}
	if len(ad.ScopesSupported) != 1 || ad.ScopesSupported[0] != "rpc:call" {
		t.Errorf("scopes = %v", ad.ScopesSupported)
	}
}
