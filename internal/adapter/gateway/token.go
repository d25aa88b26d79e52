package gateway

import (
	"os"
	"path/filepath"
	"strings"
)

// Defaults for token discovery.
const (
	DefaultTokenEnv  = "AGENTGW_GATEWAY_TOKEN"
	DefaultTokenFile = "~/.agentgw/gateway.token"
)

// TokenSource names where a resolved token came from.
type TokenSource string

const (
	TokenExplicit TokenSource = "explicit"
	TokenEnv      TokenSource = "env"
	TokenFile     TokenSource = "file"
	TokenNone     TokenSource = "none"
)

// Credentials yields the token for one connect attempt.
type Credentials interface {
	Resolve() (token string, source TokenSource)
}

// TokenResolver looks the token up in order: explicit value, environment
// variable, token file. It is consulted once per connect attempt so a rotated
// file or variable is picked up on the next reconnect.
type TokenResolver struct {
	Explicit string
	EnvVar   string
	File     string

	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	homeDir   func() (string, error)
}

// NewTokenResolver returns a resolver using the default env var and file.
func NewTokenResolver(explicit string) *TokenResolver {
	return &TokenResolver{Explicit: explicit, EnvVar: DefaultTokenEnv, File: DefaultTokenFile}
}

// Resolve returns the first non-empty token. Surrounding whitespace is
// trimmed from env and file values.
func (r *TokenResolver) Resolve() (string, TokenSource) {
	if r.Explicit != "" {
		return r.Explicit, TokenExplicit
	}
	if r.EnvVar != "" {
		lookup := r.lookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		if v, ok := lookup(r.EnvVar); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, TokenEnv
			}
		}
	}
	if r.File != "" {
		read := r.readFile
		if read == nil {
			read = os.ReadFile
		}
		if data, err := read(r.expand(r.File)); err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v, TokenFile
			}
		}
	}
	return "", TokenNone
}

func (r *TokenResolver) expand(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := r.homeDir
	if home == nil {
		home = os.UserHomeDir
	}
	dir, err := home()
	if err != nil {
		return path
	}
	return filepath.Join(dir, strings.TrimPrefix(path, "~"))
}
