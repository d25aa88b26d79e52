package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateReconnect(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateSim(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else if u, err := url.Parse(g.URL); err != nil {
		ve.Add("gateway.url %q is invalid: %v", g.URL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("gateway.url scheme must be ws or wss, got %q", u.Scheme)
	} else if u.Host == "" {
		ve.Add("gateway.url %q has no host", g.URL)
	}
	if g.ConnectTimeout <= 0 {
		ve.Add("gateway.connect_timeout must be > 0")
	}
	if g.WriteTimeout < 0 {
		ve.Add("gateway.write_timeout must be >= 0")
	}
	if g.HealthMethod == "" {
		ve.Add("gateway.health_method must not be empty")
	}
	if g.MaxFrameBytes < 0 {
		ve.Add("gateway.max_frame_bytes must be >= 0")
	}
	if g.PingInterval < 0 {
		ve.Add("gateway.ping_interval must be >= 0")
	}
	if strings.HasPrefix(g.Token, encPrefix) {
		ve.Add("gateway.token is encrypted but %s is not set", ConfigKeyEnv)
	}
}

func validateReconnect(cfg *Config, ve *ValidationError) {
	r := cfg.Reconnect
	if r.BaseDelay <= 0 {
		ve.Add("reconnect.base_delay must be > 0")
	}
	if r.MaxDelay <= 0 {
		ve.Add("reconnect.max_delay must be > 0")
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		ve.Add("reconnect.base_delay (%s) must not exceed reconnect.max_delay (%s)", r.BaseDelay, r.MaxDelay)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		ve.Add("reconnect.jitter must be between 0 and 1, got %g", r.Jitter)
	}
	if r.MaxAttempts < 0 {
		ve.Add("reconnect.max_attempts must be >= 0")
	}
	if r.BreakerFailures == 0 {
		ve.Add("reconnect.breaker_failures must be > 0")
	}
	if r.BreakerCooldown <= 0 {
		ve.Add("reconnect.breaker_cooldown must be > 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported (stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateSim(cfg *Config, ve *ValidationError) {
	s := cfg.Sim
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("sim.addr %q is not host:port: %v", s.Addr, err)
	}
	if s.RateLimitPerSec < 0 {
		ve.Add("sim.rate_limit_per_sec must be >= 0")
	}
	if s.RateLimitPerSec > 0 && s.Burst < 1 {
		ve.Add("sim.burst must be >= 1 when rate limiting is enabled")
	}
	if s.TickInterval < 0 {
		ve.Add("sim.tick_interval must be >= 0")
	}
	if s.UpgradesPerMin < 0 {
		ve.Add("sim.upgrades_per_min must be >= 0")
	}
	if s.UpgradesPerMin > 0 && s.UpgradeBurst < 1 {
		ve.Add("sim.upgrade_burst must be >= 1 when upgrades_per_min is set")
	}
	for i, p := range s.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("sim.trusted_proxies[%d] %q is not an IP address", i, p)
		}
	}
	if s.RequireAuth && len(s.Tokens) == 0 {
		ve.Add("sim.require_auth needs at least one entry in sim.tokens")
	}
	seen := make(map[string]bool, len(s.Tokens))
	for i, tok := range s.Tokens {
		if tok.Token == "" {
			ve.Add("sim.tokens[%d].token must not be empty", i)
		}
		if tok.Name == "" {
			ve.Add("sim.tokens[%d].name must not be empty", i)
		} else if seen[tok.Name] {
			ve.Add("sim.tokens[%d].name %q is duplicated", i, tok.Name)
		}
		seen[tok.Name] = true
	}
}
