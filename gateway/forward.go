package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// identityHeader carries the caller's canonical email onto the target
// system; downstream ownership and scoping decisions key off this value.
const identityHeader = "X-Butler-User"

// passthroughHeaders is a strict allow-list: nothing else crosses the
// gateway boundary, so caller-auth headers can never leak to the target.
var passthroughHeaders = []string{
	"Content-Type",
	"Accept",
	"X-Butler-Team",
	"X-Request-Id",
}

// hopByHopHeaders are meaningful only to the immediate connection and are
// stripped from target responses before they reach the caller.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays a single inbound HTTP request onto the target system and
// streams back its response, unmodified except for the fixed rewrite
// contract: path prefixing, the header allow-list, and JSON body
// re-serialization.
type Forwarder struct {
	target     *url.URL
	session    *TokenSession
	resolver   *IdentityResolver
	principals PrincipalResolver
	transport  http.RoundTripper
	logger     *slog.Logger
}

// NewForwarder wires a forwarder against the configured target system.
func NewForwarder(cfg TargetConfig, session *TokenSession, resolver *IdentityResolver, principals PrincipalResolver, logger *slog.Logger) (*Forwarder, error) {
	target, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	return &Forwarder{
		target:     target,
		session:    session,
		resolver:   resolver,
		principals: principals,
		transport:  newTargetTransport(cfg),
		logger:     logger,
	}, nil
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := f.session.Token(ctx)
	if err != nil {
		f.logger.Error("forward aborted: target authentication failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "authentication_error", "target system login failed")
		return
	}

	principal := resolvePrincipal(f.principals, r, f.logger)
	ident, err := f.resolver.Resolve(ctx, principal)
	if err != nil {
		f.logger.Error("forward aborted: identity lookup failed",
			"method", r.Method, "path", r.URL.Path, "principal", principal, "error", err)
		writeError(w, http.StatusBadGateway, "forwarding_error", "identity lookup against target system failed")
		return
	}

	body, forcedType, err := forwardBody(r)
	if err != nil {
		f.logger.Error("forward aborted: read request body",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "forwarding_error", "failed to read request body")
		return
	}

	outURL := *f.target
	outURL.Path = f.target.Path + targetAPIPrefix + ensureLeadingSlash(r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "forwarding_error", "failed to build outbound request")
		return
	}

	for _, name := range passthroughHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if forcedType != "" {
		req.Header.Set("Content-Type", forcedType)
	}
	if ident.Authenticated {
		req.Header.Set(identityHeader, ident.Email)
	}

	// RoundTrip, not Client.Do: redirects from the target are surfaced to
	// the caller, never followed transparently.
	resp, err := f.transport.RoundTrip(req)
	if err != nil {
		ferr := &ForwardError{Reason: "target system unreachable", Err: err}
		f.logger.Error("forward failed",
			"method", r.Method, "path", r.URL.Path, "principal", principal, "error", ferr)
		writeError(w, http.StatusBadGateway, "forwarding_error", "target system unreachable")
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The response has started; nothing to convert into an error
		// payload. The partial stream simply ends.
		f.logger.Warn("response stream interrupted",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
}

// forwardBody prepares the outbound body. JSON bodies (declared or
// undeclared) are re-serialized through the parser, matching what upstream
// middleware would have produced after consuming the raw stream; anything
// else passes through verbatim. The second return value forces the outbound
// Content-Type when non-empty.
func forwardBody(r *http.Request) (io.Reader, string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, "", nil
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "json") {
		return r.Body, "", nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, "", nil
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return bytes.NewReader(raw), "", nil
	}
	reencoded, err := json.Marshal(parsed)
	if err != nil {
		return bytes.NewReader(raw), "", nil
	}
	return bytes.NewReader(reencoded), "application/json", nil
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func ensureLeadingSlash(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}
