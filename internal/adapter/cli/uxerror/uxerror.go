// Package uxerror translates gateway and config errors into short
// explanations with recovery hints for gatewayctl.
package uxerror

import (
	"errors"
	"fmt"
	"strings"

	"agentgw/internal/adapter/cli/theme"
	"agentgw/internal/domain"
)

// FriendlyError is a user-facing error with suggestions for recovery.
type FriendlyError struct {
	Title   string   // short heading, e.g. "Gateway Unreachable"
	Message string   // one-liner explanation
	Hints   []string // actionable recovery suggestions
	Code    domain.ErrorCode
	Raw     string // original error text
}

// Render formats the error for a terminal.
func (fe FriendlyError) Render() string {
	var sb strings.Builder
	sb.WriteString(theme.TextError.Render(theme.SymbolError + " " + fe.Title))
	if fe.Code != "" && fe.Code != domain.CodeUnknown {
		sb.WriteString(theme.TextMuted.Render(" [" + string(fe.Code) + "]"))
	}
	if fe.Message != "" {
		sb.WriteString("\n  ")
		sb.WriteString(fe.Message)
	}
	if len(fe.Hints) > 0 {
		sb.WriteString("\n  Suggestions:")
		for _, h := range fe.Hints {
			sb.WriteString(fmt.Sprintf("\n    %s %s", theme.SymbolBullet, h))
		}
	}
	if fe.Raw != "" && fe.Raw != fe.Message {
		sb.WriteString("\n  ")
		sb.WriteString(theme.Dim.Render(fe.Raw))
	}
	return sb.String()
}

type errorPattern struct {
	match   func(err error) bool
	produce func(err error) FriendlyError
}

// Order matters: an open circuit wraps the last connect failure, and a
// disconnect caused by Close wraps ErrClosed.
var patterns = []errorPattern{
	{
		match: is(domain.ErrCircuitOpen),
		produce: constantError("Gateway Unavailable", "Too many consecutive connect failures; attempts are paused.",
			[]string{"Wait for the cooldown (reconnect.breaker_cooldown) and retry", "Check that the gateway is running"}),
	},
	{
		match: is(domain.ErrHandshakeRejected),
		produce: constantError("Handshake Rejected", "The gateway refused the connection.",
			[]string{"Check the gateway token (AGENTGW_GATEWAY_TOKEN or gateway.token_file)", "Verify the URL points at a gateway WebSocket endpoint"}),
	},
	{
		match: is(domain.ErrHandshakeTimeout),
		produce: constantError("Handshake Timed Out", "The gateway accepted the socket but never sent a challenge.",
			[]string{"Verify the URL path (usually /ws)", "Increase gateway.connect_timeout"}),
	},
	{
		match: is(domain.ErrConnectTimeout),
		produce: constantError("Connect Timed Out", "The gateway did not answer in time.",
			[]string{"Check the network path to the gateway", "Increase gateway.connect_timeout"}),
	},
	{
		match: is(domain.ErrConnectFailed),
		produce: constantError("Gateway Unreachable", "Could not open a connection to the gateway.",
			[]string{"Check that the gateway is running", "Verify gateway.url in config", "Run 'gatewayctl sim' to start a local gateway"}),
	},
	{
		match:   gatewayCode(domain.RPCCodeUnauthorized),
		produce: fromGateway("Not Authorized", []string{"Set a token the gateway accepts", "Check the token's roles"}),
	},
	{
		match:   gatewayCode(domain.RPCCodeRateLimited),
		produce: fromGateway("Rate Limited", []string{"Wait a moment before retrying", "Reduce request frequency"}),
	},
	{
		match:   gatewayCode(domain.RPCCodeMethodNotFound),
		produce: fromGateway("Unknown Method", []string{"Check the method name spelling"}),
	},
	{
		match:   gatewayCode(domain.RPCCodeInvalidParams),
		produce: fromGateway("Invalid Parameters", []string{"Check the params JSON against the method's contract"}),
	},
	{
		match:   is(domain.ErrGateway),
		produce: fromGateway("Gateway Error", nil),
	},
	{
		match:   is(domain.ErrClosed),
		produce: constantError("Client Closed", "The client was shut down before the operation finished.", nil),
	},
	{
		match: is(domain.ErrDisconnected),
		produce: constantError("Connection Lost", "The gateway connection dropped while the request was pending.",
			[]string{"Retry if the operation is safe to repeat", "Use --idempotency-key to make retries safe"}),
	},
	{
		match:   is(domain.ErrNotConnected),
		produce: constantError("Not Connected", "The client has no open gateway connection.", []string{"Connect before calling"}),
	},
	{
		match: is(domain.ErrMalformedResponse),
		produce: constantError("Malformed Response", "The gateway answered with data that could not be decoded.",
			[]string{"Check that client and gateway versions match"}),
	},
	{
		match: is(domain.ErrDecryption),
		produce: constantError("Cannot Decrypt Secret", "An encrypted config value could not be decrypted.",
			[]string{"Check AGENTGW_CONFIG_KEY", "Re-encrypt the value with 'gatewayctl encrypt'"}),
	},
	{
		match: is(domain.ErrConfigLoad),
		produce: constantError("Invalid Configuration", "The config file could not be loaded.",
			[]string{"Check the file with --config", "File permissions must not be group or world writable"}),
	},
	{
		match:   is(domain.ErrInvalidInput),
		produce: constantError("Invalid Input", "A command argument was not accepted.", []string{"Run 'gatewayctl help' for usage"}),
	},

	// Errors from outside the gateway package.
	{
		match: containsAny("connection refused", "no such host", "dial tcp"),
		produce: constantError("Gateway Unreachable", "Could not reach the gateway host.",
			[]string{"Check that the gateway is running", "Verify gateway.url in config"}),
	},
	{
		match:   containsAny("deadline exceeded", "timeout"),
		produce: constantError("Timed Out", "The operation took too long to complete.", []string{"Retry with a longer --timeout"}),
	},
}

// Humanize converts a raw error into a FriendlyError with recovery hints.
func Humanize(err error) FriendlyError {
	if err == nil {
		return FriendlyError{Title: "Unknown Error", Raw: "nil"}
	}

	for _, p := range patterns {
		if p.match(err) {
			fe := p.produce(err)
			fe.Code = domain.ErrorCodeOf(err)
			return fe
		}
	}

	return FriendlyError{
		Title:   "Unexpected Error",
		Message: err.Error(),
		Hints:   []string{"Try again", "Run with AGENTGW_LOGGER_LEVEL=debug for more details"},
		Code:    domain.ErrorCodeOf(err),
		Raw:     err.Error(),
	}
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func gatewayCode(code int) func(error) bool {
	return func(err error) bool {
		var ge *domain.GatewayError
		return errors.As(err, &ge) && ge.Code == code
	}
}

// fromGateway uses the gateway's own message as the explanation.
func fromGateway(title string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		fe := FriendlyError{Title: title, Hints: hints, Raw: err.Error()}
		var ge *domain.GatewayError
		if errors.As(err, &ge) {
			fe.Message = ge.Message
		}
		return fe
	}
}

// containsAny returns a match func that checks if the error string contains
// any of the given substrings (case-insensitive).
func containsAny(substrs ...string) func(error) bool {
	return func(err error) bool {
		lower := strings.ToLower(err.Error())
		for _, s := range substrs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
}

// constantError returns a produce func that always returns the same FriendlyError.
func constantError(title, message string, hints []string) func(error) FriendlyError {
	return func(err error) FriendlyError {
		return FriendlyError{
			Title:   title,
			Message: message,
			Hints:   hints,
			Raw:     err.Error(),
		}
	}
}
