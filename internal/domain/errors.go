package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the gateway transport.
var (
	// Connect phase. ErrConnectTimeout, ErrConnectFailed and ErrHandshakeTimeout are
	// transient and retried by the supervisor; ErrHandshakeRejected never is.
	ErrConnectTimeout    = fmt.Errorf("gateway: connect timed out")
	ErrConnectFailed     = fmt.Errorf("gateway: connect failed")
	ErrHandshakeTimeout  = fmt.Errorf("gateway: handshake timed out")
	ErrHandshakeRejected = fmt.Errorf("gateway: handshake rejected")
	ErrCircuitOpen       = fmt.Errorf("gateway: connect circuit open")

	// Call phase.
	ErrNotConnected      = fmt.Errorf("gateway: not connected")
	ErrSendFailure       = fmt.Errorf("gateway: send failed")
	ErrGateway           = fmt.Errorf("gateway: remote error")
	ErrMalformedResponse = fmt.Errorf("gateway: malformed response")
	ErrDisconnected      = fmt.Errorf("gateway: disconnected")
	ErrClosed            = fmt.Errorf("gateway: client closed")

	// Configuration and secrets.
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
	ErrInvalidInput = fmt.Errorf("invalid input")

	// Simulated gateway.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: authentication failed")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// Wire-level error codes used by the simulated gateway. They follow the
// JSON-RPC reserved range; application codes are free-form integers.
const (
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeInternal       = -32603
	RPCCodeUnauthorized   = 401
	RPCCodeRateLimited    = 429
)

// GatewayError is an explicit error envelope returned by the remote gateway.
// Code and Message are preserved verbatim from the wire.
type GatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"` // method of the failed request, when known
}

func (e *GatewayError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("gateway: %s: remote error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: remote error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrGateway) match any remote error.
func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// UnmarshalJSON accepts the {code, message} object and, from older gateways,
// a bare message string.
func (e *GatewayError) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var msg string
		if err := json.Unmarshal(b, &msg); err != nil {
			return err
		}
		*e = GatewayError{Code: RPCCodeInternal, Message: msg}
		return nil
	}
	type wire GatewayError
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = GatewayError(w)
	return nil
}

// DisconnectError is delivered to every caller whose request was still
// outstanding when the connection dropped.
type DisconnectError struct {
	ID     string // request id, empty for connection-level reports
	Method string
	Cause  error // read error or close reason; may be nil
}

func (e *DisconnectError) Error() string {
	msg := "gateway: disconnected"
	if e.Method != "" {
		msg += " during " + e.Method
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DisconnectError) Is(target error) bool { return target == ErrDisconnected }

func (e *DisconnectError) Unwrap() error { return e.Cause }

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Conn.Dial")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether a connect-phase error may succeed on retry.
// Only connect-phase failures qualify; once connected nothing is retried
// automatically because only the caller knows whether a retry is safe.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrHandshakeTimeout)
}

// ErrorCode is a machine-parseable error category for logs and CLI output.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeConnectTimeout    ErrorCode = "CONNECT_TIMEOUT"
	CodeConnectFailed     ErrorCode = "CONNECT_FAILED"
	CodeHandshakeTimeout  ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeHandshakeRejected ErrorCode = "HANDSHAKE_REJECTED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeSendFailure       ErrorCode = "SEND_FAILURE"
	CodeGateway           ErrorCode = "GATEWAY_ERROR"
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	CodeDisconnected      ErrorCode = "DISCONNECTED"
	CodeClosed            ErrorCode = "CLOSED"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeCanceled          ErrorCode = "CANCELED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConnectTimeout:    CodeConnectTimeout,
	ErrConnectFailed:     CodeConnectFailed,
	ErrHandshakeTimeout:  CodeHandshakeTimeout,
	ErrHandshakeRejected: CodeHandshakeRejected,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrNotConnected:      CodeNotConnected,
	ErrSendFailure:       CodeSendFailure,
	ErrGateway:           CodeGateway,
	ErrMalformedResponse: CodeMalformedResponse,
	ErrDisconnected:      CodeDisconnected,
	ErrClosed:            CodeClosed,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrInvalidInput:      CodeInvalidInput,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrRateLimit:         CodeRateLimit,
}

// codeOrder fixes the lookup order for wrapped chains so that a chain holding
// several sentinels resolves deterministically, most specific first.
// ErrCircuitOpen comes first because it wraps the last connect failure.
var codeOrder = []error{
	ErrCircuitOpen,
	ErrHandshakeRejected,
	ErrHandshakeTimeout,
	ErrConnectTimeout,
	ErrConnectFailed,
	ErrMalformedResponse,
	ErrGateway,
	ErrDisconnected,
	ErrSendFailure,
	ErrNotConnected,
	ErrClosed,
	ErrDecryption,
	ErrEncryption,
	ErrConfigLoad,
	ErrInvalidInput,
	ErrGatewayAuthFailed,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrRateLimit,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It uses errors.Is to match sentinels through any wrapping.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
