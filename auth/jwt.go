package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Option adjusts the validation policy of the token authenticators.
type Option func(*config)

type config struct {
	issuer         string
	audiences      []string
	requiredScopes []string
	scopeModeAny   bool
	allowedAlgs    []string
	leeway         time.Duration
}

func newConfig(issuer string, audiences []string, opts ...Option) config {
	cfg := config{
		issuer:      issuer,
		audiences:   append([]string(nil), audiences...),
		allowedAlgs: []string{"RS256"},
		leeway:      60 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithRequiredScopes requires all of the provided scopes to be present in
// the space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *config) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be
// present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *config) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never
// allowed. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *config) {
		c.allowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *config) { c.leeway = d }
}

// WithExtraAudiences accepts additional "aud" values beyond the primary
// one, for deployments served under more than one public URL.
func WithExtraAudiences(audiences ...string) Option {
	return func(c *config) {
		c.audiences = append(c.audiences, audiences...)
	}
}

// TokenAuthenticator validates RFC 9068 JWT access tokens against a JWKS
// published by the authorization server. Construct one with
// NewFromDiscovery or NewStatic.
type TokenAuthenticator struct {
	cfg     config
	keyfunc jwt.Keyfunc

	jwksURI         string
	scopesSupported []string
}

var (
	_ Authenticator = (*TokenAuthenticator)(nil)
	_ Advertiser    = (*TokenAuthenticator)(nil)
)

// NewFromDiscovery performs OIDC discovery against issuer to locate the
// key set, then returns an authenticator enforcing the given audience.
// JWKS keys refresh automatically in the background of ctx.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...Option) (*TokenAuthenticator, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	cfg := newConfig(issuer, []string{audience}, opts...)

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery: %w", err)
	}
	var meta struct {
		JwksURI string   `json:"jwks_uri"`
		Scopes  []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("auth: discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("auth: discovery metadata is missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks: %w", err)
	}

	return &TokenAuthenticator{
		cfg:             cfg,
		keyfunc:         guardAlgs(cfg.allowedAlgs, kf.Keyfunc),
		jwksURI:         meta.JwksURI,
		scopesSupported: append([]string(nil), meta.Scopes...),
	}, nil
}

// NewStatic returns an authenticator that validates against an explicitly
// configured JWKS URL without performing OIDC discovery. Useful when the
// authorization server does not publish discovery metadata.
func NewStatic(ctx context.Context, issuer string, audiences []string, jwksURI string, opts ...Option) (*TokenAuthenticator, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if len(audiences) == 0 {
		return nil, errors.New("auth: at least one audience is required")
	}
	if jwksURI == "" {
		return nil, errors.New("auth: jwks uri is required")
	}
	cfg := newConfig(issuer, audiences, opts...)

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks: %w", err)
	}

	return &TokenAuthenticator{
		cfg:     cfg,
		keyfunc: guardAlgs(cfg.allowedAlgs, kf.Keyfunc),
		jwksURI: jwksURI,
	}, nil
}

// CheckAuthentication validates signature, issuer, audience, expiry and
// scope policy. Validation failures wrap ErrUnauthorized; a valid token
// lacking required scopes wraps ErrInsufficientScope.
func (a *TokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	// With a single expected audience the parser enforces it directly;
	// several audiences need intersection logic after parsing.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.issuer),
		jwt.WithLeeway(a.cfg.leeway),
	}
	if len(a.cfg.audiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.audiences[0]))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 requires access tokens to carry an at+jwt type header.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims shape", ErrUnauthorized)
	}

	if len(a.cfg.audiences) > 1 && !audIntersects(claims["aud"], a.cfg.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(a.cfg.requiredScopes) > 0 {
		if err := a.checkScopes(claims); err != nil {
			return nil, err
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &tokenUser{sub: sub, claims: claims}, nil
}

// Advertisement describes the policy for protected resource metadata.
// Scopes come from discovery when available, otherwise from the
// configured requirement.
func (a *TokenAuthenticator) Advertisement() Advertisement {
	scopes := a.scopesSupported
	if len(scopes) == 0 {
		scopes = a.cfg.requiredScopes
	}
	return Advertisement{
		Issuer:          a.cfg.issuer,
		JWKSURI:         a.jwksURI,
		ScopesSupported: append([]string(nil), scopes...),
	}
}

func (a *TokenAuthenticator) checkScopes(claims jwt.MapClaims) error {
	scopeStr, _ := claims["scope"].(string)
	have := make(map[string]bool)
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	if a.cfg.scopeModeAny {
		for _, want := range a.cfg.requiredScopes {
			if have[want] {
				return nil
			}
		}
		return fmt.Errorf("%w: need one of %s", ErrInsufficientScope, strings.Join(a.cfg.requiredScopes, " "))
	}
	for _, want := range a.cfg.requiredScopes {
		if !have[want] {
			return fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
		}
	}
	return nil
}

// guardAlgs re-checks the signing algorithm inside the keyfunc so a key
// lookup never happens for a disallowed algorithm.
func guardAlgs(allowed []string, kf jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return kf(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

type tokenUser struct {
	sub    string
	claims map[string]any
}

func (u *tokenUser) UserID() string { return u.sub }

func (u *tokenUser) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
