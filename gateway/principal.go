package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// PrincipalResolver yields the caller's upstream identity as a best-effort
// local identifier (a username or an email address). An empty string means
// the caller is unauthenticated; that is not an error.
type PrincipalResolver interface {
	Principal(r *http.Request) (string, error)
}

// HeaderPrincipalResolver reads the identifier the identity proxy injects
// into a trusted request header.
type HeaderPrincipalResolver struct {
	Header string
}

func (h *HeaderPrincipalResolver) Principal(r *http.Request) (string, error) {
	return strings.TrimSpace(r.Header.Get(h.Header)), nil
}

// OIDCPrincipalResolver extracts the principal from a bearer ID token,
// verified against a configured issuer. Used when the identity proxy
// forwards tokens instead of plain headers.
type OIDCPrincipalResolver struct {
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// NewOIDCPrincipalResolver initializes the resolver via issuer discovery.
func NewOIDCPrincipalResolver(ctx context.Context, cfg OIDCConfig, logger *slog.Logger) (*OIDCPrincipalResolver, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover issuer %s: %w", cfg.Issuer, err)
	}
	return &OIDCPrincipalResolver{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		logger:   logger,
	}, nil
}

func (o *OIDCPrincipalResolver) Principal(r *http.Request) (string, error) {
	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return "", nil
	}

	idToken, err := o.verifier.Verify(r.Context(), raw)
	if err != nil {
		return "", fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse id token claims: %w", err)
	}
	if claims.Email != "" {
		return claims.Email, nil
	}
	if claims.PreferredUsername != "" {
		return claims.PreferredUsername, nil
	}
	return idToken.Subject, nil
}

// resolvePrincipal applies a resolver to a request, degrading to the guest
// principal when extraction fails. The failure is logged, never fatal:
// access control belongs to the target system, not the gateway.
func resolvePrincipal(pr PrincipalResolver, r *http.Request, logger *slog.Logger) string {
	principal, err := pr.Principal(r)
	if err != nil {
		logger.Warn("principal extraction failed",
			"path", r.URL.Path,
			"error", err,
		)
		return ""
	}
	return principal
}

func extractBearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
