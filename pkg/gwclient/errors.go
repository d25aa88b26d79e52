package gwclient

import "agentgw/internal/domain"

// Errors returned by the client. Match them with errors.Is; use errors.As
// with *GatewayError or *DisconnectError for details.
var (
	ErrConnectTimeout    = domain.ErrConnectTimeout
	ErrConnectFailed     = domain.ErrConnectFailed
	ErrHandshakeTimeout  = domain.ErrHandshakeTimeout
	ErrHandshakeRejected = domain.ErrHandshakeRejected
	ErrCircuitOpen       = domain.ErrCircuitOpen
	ErrNotConnected      = domain.ErrNotConnected
	ErrSendFailure       = domain.ErrSendFailure
	ErrGateway           = domain.ErrGateway
	ErrMalformedResponse = domain.ErrMalformedResponse
	ErrDisconnected      = domain.ErrDisconnected
	ErrClosed            = domain.ErrClosed
)

type (
	// GatewayError carries the remote error code and message verbatim.
	GatewayError = domain.GatewayError
	// DisconnectError is returned to every call outstanding when the link dropped.
	DisconnectError = domain.DisconnectError
	ErrorCode       = domain.ErrorCode
)

// IsTransient reports whether err is a connect-phase failure worth retrying.
func IsTransient(err error) bool { return domain.IsTransient(err) }

// ErrorCodeOf returns a stable machine-readable code for err.
func ErrorCodeOf(err error) ErrorCode { return domain.ErrorCodeOf(err) }
