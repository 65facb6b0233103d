package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// targetAPIPrefix is prepended to every path forwarded onto the target system.
const targetAPIPrefix = "/api"

// newTargetTransport builds the HTTP transport shared by everything that
// talks to the target system.
func newTargetTransport(cfg TargetConfig) *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return transport
}

// TargetUser is a user record as served by the target system's user list.
type TargetUser struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Admin      bool   `json:"admin"`
	SuperAdmin bool   `json:"superAdmin"`
}

// TargetTeam is a team record from the target system.
type TargetTeam struct {
	Name string `json:"name"`
}

// TargetTeamMember is one membership row of a team.
type TargetTeamMember struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TargetClient is a typed client for the target system's user and team
// endpoints, authenticating every call through the shared TokenSession.
type TargetClient struct {
	base    *url.URL
	session *TokenSession
	client  *http.Client
	logger  *slog.Logger
}

// NewTargetClient constructs a client for the configured target deployment.
func NewTargetClient(cfg TargetConfig, session *TokenSession, logger *slog.Logger) (*TargetClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	return &TargetClient{
		base:    base,
		session: session,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout(),
			Transport: newTargetTransport(cfg),
		},
		logger: logger,
	}, nil
}

// Users fetches the full user list.
func (c *TargetClient) Users(ctx context.Context) ([]TargetUser, error) {
	var users []TargetUser
	if err := c.getJSON(ctx, targetAPIPrefix+"/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Teams fetches the full team list.
func (c *TargetClient) Teams(ctx context.Context) ([]TargetTeam, error) {
	var teams []TargetTeam
	if err := c.getJSON(ctx, targetAPIPrefix+"/teams", &teams); err != nil {
		return nil, err
	}
	return teams, nil
}

// TeamMembers fetches the member list of one team.
func (c *TargetClient) TeamMembers(ctx context.Context, team string) ([]TargetTeamMember, error) {
	var members []TargetTeamMember
	path := targetAPIPrefix + "/teams/" + url.PathEscape(team) + "/members"
	if err := c.getJSON(ctx, path, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *TargetClient) getJSON(ctx context.Context, path string, out any) error {
	token, err := c.session.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
