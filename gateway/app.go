package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// App bundles runtime dependencies for the gateway.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Session    *TokenSession
	Target     *TargetClient
	Identity   *IdentityResolver
	Principals PrincipalResolver
	Forwarder  *Forwarder
	Relay      *Relay
}

// NewApp wires together the gateway from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	session := NewTokenSession(cfg.Target, logger)

	target, err := NewTargetClient(cfg.Target, session, logger)
	if err != nil {
		return nil, err
	}

	resolver := NewIdentityResolver(target, cfg.Identity.EmailDomain, logger)

	var principals PrincipalResolver = &HeaderPrincipalResolver{Header: cfg.Identity.Header}
	if cfg.Identity.OIDC.Issuer != "" {
		principals, err = NewOIDCPrincipalResolver(ctx, cfg.Identity.OIDC, logger)
		if err != nil {
			return nil, err
		}
	}

	forwarder, err := NewForwarder(cfg.Target, session, resolver, principals, logger)
	if err != nil {
		return nil, err
	}

	relay, err := NewRelay(cfg.Target, session, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:     cfg,
		Logger:     logger,
		Session:    session,
		Target:     target,
		Identity:   resolver,
		Principals: principals,
		Forwarder:  forwarder,
		Relay:      relay,
	}, nil
}

// Routes constructs the HTTP router for the gateway surface.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/healthz", a.handleHealth)
	r.Get("/_identity", a.handleIdentity)
	r.HandleFunc("/ws/*", a.Relay.ServeHTTP)
	r.Handle("/*", a.Forwarder)

	return r
}

// Close releases background resources; safe to call more than once.
func (a *App) Close() {
	a.Session.Stop()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleIdentity(w http.ResponseWriter, r *http.Request) {
	principal := resolvePrincipal(a.Principals, r, a.Logger)

	ident, err := a.Identity.Resolve(r.Context(), principal)
	if err != nil {
		// Never silently degrade to an unauthenticated identity: the
		// caller must be able to tell "guest" from "lookup broken".
		a.Logger.Error("identity resolution failed",
			"principal", principal, "error", err)
		writeError(w, http.StatusInternalServerError, "identity_resolution_error",
			"user lookup against target system failed")
		return
	}
	writeJSON(w, ident)
}
