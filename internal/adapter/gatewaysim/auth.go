package gatewaysim

import (
	"crypto/subtle"
	"slices"

	"agentgw/internal/domain"
	"agentgw/internal/infra/config"
)

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ConnID        string
	Name          string
	Roles         []string
	Authenticated bool // false for clients admitted without a valid token
}

// HasRole reports whether the client was granted role.
func (c *ClientInfo) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Authenticator validates the token carried by an auth frame.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	name  string
	roles []string
}

// StaticTokenAuth authenticates clients against a fixed token list using
// constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			name:  t.Name,
			roles: slices.Clone(t.Roles),
		})
	}
	return a
}

// Authenticate returns a fresh ClientInfo when token matches an entry.
func (a *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return &ClientInfo{Name: e.name, Roles: slices.Clone(e.roles)}, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
