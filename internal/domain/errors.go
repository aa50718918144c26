package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Category sentinels for the gateway client. Every error returned by the
// client matches exactly one of the first five with errors.Is.
var (
	ErrConnection         = fmt.Errorf("connection error")
	ErrTimeout            = fmt.Errorf("operation timed out")
	ErrAuthentication     = fmt.Errorf("authentication failed")
	ErrProtocol           = fmt.Errorf("protocol error")
	ErrGateway            = fmt.Errorf("gateway error")
	ErrReconnectExhausted = fmt.Errorf("reconnection attempts exhausted")
)

// Sentinel errors for the supporting layers.
var (
	ErrNotConnected = fmt.Errorf("not connected: %w", ErrConnection)
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrCircuitOpen  = fmt.Errorf("circuit breaker open")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrJournal      = fmt.Errorf("journal operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Client.Request")
	Err       error  // underlying sentinel
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "gateway", "journal")
	Cause     error  // optional lower-level error, reachable via errors.Is/As
}

func (e *DomainError) Error() string {
	msg := e.Op + ": "
	if e.Detail != "" {
		msg += e.Detail + ": "
	}
	msg += e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WithCause attaches a lower-level error and returns e.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GatewayError is an application-level failure reported by the Gateway in a
// response frame with ok:false.
type GatewayError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return "gateway: " + e.Message
	}
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

// ReconnectExhaustedError is published when the reconnection controller gives up.
type ReconnectExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ReconnectExhaustedError) Error() string {
	if e.LastError != nil {
		return fmt.Sprintf("%s after %d attempts: %v", ErrReconnectExhausted, e.Attempts, e.LastError)
	}
	return fmt.Sprintf("%s after %d attempts", ErrReconnectExhausted, e.Attempts)
}

func (e *ReconnectExhaustedError) Unwrap() []error {
	if e.LastError == nil {
		return []error{ErrReconnectExhausted, ErrConnection}
	}
	return []error{ErrReconnectExhausted, ErrConnection, e.LastError}
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return false
	}
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeConnection         ErrorCode = "CONNECTION_ERROR"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeAuthentication     ErrorCode = "AUTHENTICATION_ERROR"
	CodeProtocol           ErrorCode = "PROTOCOL_ERROR"
	CodeGateway            ErrorCode = "GATEWAY_ERROR"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeJournal            ErrorCode = "JOURNAL"

	// Subsystem-specific refinements.
	CodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"
	CodeHandshakeTimeout ErrorCode = "HANDSHAKE_TIMEOUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:       CodeNotConnected,
	ErrConnection:         CodeConnection,
	ErrTimeout:            CodeTimeout,
	ErrAuthentication:     CodeAuthentication,
	ErrProtocol:           CodeProtocol,
	ErrGateway:            CodeGateway,
	ErrReconnectExhausted: CodeReconnectExhausted,
	ErrInvalidInput:       CodeInvalidInput,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrCircuitOpen:        CodeCircuitOpen,
	ErrRateLimit:          CodeRateLimit,
	ErrJournal:            CodeJournal,
}

// codePrecedence is the order in which the error chain is probed. More
// specific sentinels come first so that, for instance, a reconnect
// exhaustion is not reported as a plain connection error.
var codePrecedence = []error{
	ErrReconnectExhausted,
	ErrAuthentication,
	ErrNotConnected,
	ErrTimeout,
	ErrProtocol,
	ErrGateway,
	ErrCircuitOpen,
	ErrRateLimit,
	ErrConnection,
	ErrInvalidInput,
	ErrConfigLoad,
	ErrDecryption,
	ErrJournal,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"heartbeat": CodeHeartbeatTimeout,
		"handshake": CodeHandshakeTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	if de, ok := err.(*DomainError); ok {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range codePrecedence {
		if !errors.Is(err, sentinel) {
			continue
		}
		var de *DomainError
		if _, refined := subSystemCodeMap[sentinel]; refined && errors.As(err, &de) && de.Err == sentinel {
			return de.Code()
		}
		return errorCodeMap[sentinel]
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
