package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/wireline/linerpc-go/auth"
	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/internal/engine"
	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/internal/wellknown"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
	"github.com/wireline/linerpc-go/queue/memoryqueue"
	"github.com/wireline/linerpc-go/workers"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultMaxBodyBytes = 1 << 20
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections
// that happen before a request object reaches the dispatch engine.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName  string
	logger      *slog.Logger
	authn       auth.Authenticator
	realm       string
	q           queue.Queue
	concurrency int
	codec       jsonrpc.Codec
	maxBody     int64
}

// WithServerName sets a human-readable name surfaced in the protected
// resource metadata document.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the logger used by the handler and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator requires a valid bearer token on every call.
// Without this option the endpoint is open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authn = a }
}

// WithRealm sets the authentication realm included in WWW-Authenticate
// challenges. If empty (default) the realm attribute is omitted
// entirely per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithQueue replaces the in-memory dispatch queue and disables the
// in-process worker pool; some other process must pull invocations.
func WithQueue(q queue.Queue) Option {
	return func(c *newConfig) { c.q = q }
}

// WithConcurrency sets the width of the in-process worker pool.
func WithConcurrency(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCodec replaces the JSON codec used for request decode and
// envelope encode.
func WithCodec(codec jsonrpc.Codec) Option {
	return func(c *newConfig) { c.codec = codec }
}

// WithMaxBodyBytes caps the accepted request body size. Defaults to
// one MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="...", error="...", error_description="..."
//
// Empty attributes are omitted. Go map iteration is randomized, so the
// attributes we care about are emitted in a fixed order first.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	for k, v := range params {
		if k == "error" || k == "error_description" {
			continue
		}
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler answers line-protocol requests over HTTP POST.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	eng *engine.Engine

	authn auth.Authenticator
	realm string

	endpointURL    *url.URL
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	advertise      bool

	maxBody int64
}

var _ http.Handler = (*Handler)(nil)

// New builds a Handler serving the registry at publicEndpoint's path.
// The engine and any in-process workers run until ctx ends.
//
// publicEndpoint is the externally visible URL of the RPC endpoint
// (scheme, host, path). The path is also where the handler mounts
// itself on its internal mux.
func New(ctx context.Context, publicEndpoint string, m *methods.Map, opts ...Option) (*Handler, error) {
	if m == nil {
		return nil, errors.New("httprpc: method registry is required")
	}
	endpointURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("httprpc: invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if endpointURL.Scheme != "https" && endpointURL.Scheme != "http" {
		return nil, fmt.Errorf("httprpc: endpoint URL must use http or https, got %q", endpointURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), concurrency: 8, maxBody: defaultMaxBodyBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:         log,
		authn:       cfg.authn,
		realm:       cfg.realm,
		endpointURL: endpointURL,
		maxBody:     cfg.maxBody,
	}

	q := cfg.q
	if q == nil {
		mq := memoryqueue.New()
		context.AfterFunc(ctx, func() { _ = mq.Close() })
		q = mq

		pool := workers.New(q, m, workers.WithSize(cfg.concurrency), workers.WithLogger(log))
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				log.ErrorContext(ctx, "workers.stop", slog.String("err", err.Error()))
			}
		}()
	}

	h.eng = engine.New(m, q, engine.WithLogger(log), engine.WithCodec(cfg.codec))
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	if adv, ok := cfg.authn.(auth.Advertiser); ok {
		ad := adv.Advertisement()
		h.advertise = true
		h.prmDocument = wellknown.ProtectedResourceMetadata{
			Resource:               endpointURL.String(),
			AuthorizationServers:   []string{ad.Issuer},
			JwksURI:                ad.JWKSURI,
			ScopesSupported:        ad.ScopesSupported,
			BearerMethodsSupported: []string{"authorization_header"},
			ResourceName:           cfg.serverName,
		}
		h.prmDocumentURL = &url.URL{
			Scheme: endpointURL.Scheme,
			Host:   endpointURL.Host,
			Path:   "/.well-known/oauth-protected-resource" + strings.TrimSuffix(endpointURL.Path, "/"),
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(endpointURL)), h.handleCall)
	if h.advertise {
		prmPath := pathOnly(h.prmDocumentURL)
		mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), h.handleOptionsProtectedResourceMetadata)
	}
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithConnData(r.Context(), &logctx.ConnData{
		RemoteAddr: r.RemoteAddr,
	})))
}

// oneshotSink resolves an HTTP exchange with the first envelope the
// engine writes. Later writes on the same connection are discarded.
type oneshotSink struct {
	once sync.Once
	ch   chan []byte
}

var _ framing.Output = (*oneshotSink)(nil)

func newOneshotSink() *oneshotSink {
	return &oneshotSink{ch: make(chan []byte, 1)}
}

func (s *oneshotSink) WriteLine(frame []byte) error {
	s.once.Do(func() {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		s.ch <- cp
	})
	return nil
}

// handleCall runs one request object through the engine and answers
// with the envelope it produces.
func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.call.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	if h.authn != nil {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			h.log.InfoContext(ctx, "auth.fail")
			return
		}
		h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", userInfo.UserID()))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "body.too_large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	// The body goes to the engine as-is. Malformed JSON comes back as
	// the protocol's own error envelope, not an HTTP failure.
	sink := newOneshotSink()
	id := h.eng.Connect(sink)
	defer h.eng.Disconnect(id)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: string(id), RemoteAddr: r.RemoteAddr})
	h.eng.Deliver(id, body)

	select {
	case frame := <-sink.ch:
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(frame)
		_, _ = w.Write([]byte("\n"))
		h.log.DebugContext(ctx, "http.call.ok", slog.Duration("dur", time.Since(start)))
	case <-ctx.Done():
		h.log.DebugContext(ctx, "http.call.abandoned")
	}
}

func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

func (h *Handler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// checkAuthentication validates the bearer token on r. On failure it
// writes the challenge response and returns nil.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	metadataURL := ""
	if h.prmDocumentURL != nil {
		metadataURL = h.prmDocumentURL.String()
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no credentials means a bare challenge with no
		// error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, metadataURL, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, metadataURL, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, metadataURL, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, metadataURL, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, metadataURL, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}
	return userInfo
}
