package gateway

import (
	"context"
	"log/slog"
	"strings"
)

// TeamMembership records one (team, role) pair the caller belongs to.
type TeamMembership struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Identity is the outcome of resolving an upstream principal against the
// target system's user and team records. The Email field is the canonical
// join key downstream systems use for ownership and scoping decisions; the
// forwarder's identity header carries exactly this value.
type Identity struct {
	Authenticated   bool             `json:"authenticated"`
	Email           string           `json:"email,omitempty"`
	DisplayName     string           `json:"displayName"`
	IsPlatformAdmin bool             `json:"isPlatformAdmin"`
	Teams           []TeamMembership `json:"teams"`
}

// IdentityResolver maps an upstream-authenticated principal (often just a
// bare local-part string) onto the target system's user and team model by
// fetching and heuristically matching live data. Results are never cached:
// the target's users and teams may change between calls, and staleness is
// traded away for simplicity.
type IdentityResolver struct {
	target *TargetClient
	domain string
	logger *slog.Logger
}

// NewIdentityResolver constructs a resolver appending the given domain to
// bare local-part principals when computing the canonical email.
func NewIdentityResolver(target *TargetClient, domain string, logger *slog.Logger) *IdentityResolver {
	return &IdentityResolver{target: target, domain: domain, logger: logger}
}

// Resolve computes the caller's identity in the target system. An empty
// principal yields the unauthenticated guest identity, not an error. Any
// fetch failure aborts resolution; partial results are never returned.
func (r *IdentityResolver) Resolve(ctx context.Context, principal string) (Identity, error) {
	if principal == "" {
		return Identity{DisplayName: "Guest", Teams: []TeamMembership{}}, nil
	}

	users, err := r.target.Users(ctx)
	if err != nil {
		return Identity{}, &IdentityError{Reason: "fetch users", Err: err}
	}

	// First match in list order wins; multiple candidate records for the
	// same local-part are not disambiguated further.
	var matched *TargetUser
	for i := range users {
		if matchesPrincipal(principal, users[i].Email, users[i].Username) {
			matched = &users[i]
			break
		}
	}

	teams, err := r.target.Teams(ctx)
	if err != nil {
		return Identity{}, &IdentityError{Reason: "fetch teams", Err: err}
	}

	memberships := []TeamMembership{}
	for _, team := range teams {
		members, err := r.target.TeamMembers(ctx, team.Name)
		if err != nil {
			return Identity{}, &IdentityError{Reason: "fetch members of team " + team.Name, Err: err}
		}
		for _, m := range members {
			if matchesPrincipal(principal, m.Email, m.Name) {
				memberships = append(memberships, TeamMembership{Name: team.Name, Role: m.Role})
				break
			}
		}
	}

	ident := Identity{
		Authenticated: true,
		Email:         canonicalEmail(principal, r.domain),
		DisplayName:   principal,
		Teams:         memberships,
	}
	if matched != nil {
		ident.IsPlatformAdmin = matched.Admin || matched.SuperAdmin
		if matched.Name != "" {
			ident.DisplayName = matched.Name
		}
	}
	return ident, nil
}

// matchesPrincipal applies the three-way case-insensitive heuristic: email
// local-part prefix, exact email, or exact username.
func matchesPrincipal(principal, email, username string) bool {
	p := strings.ToLower(principal)
	e := strings.ToLower(email)
	u := strings.ToLower(username)
	if e != "" && (strings.HasPrefix(e, p+"@") || e == p) {
		return true
	}
	return u != "" && u == p
}

// canonicalEmail returns the principal verbatim when it already carries a
// domain, otherwise appends the configured one.
func canonicalEmail(principal, domain string) string {
	if strings.Contains(principal, "@") {
		return principal
	}
	return principal + "@" + domain
}
