package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrConfiguration = fmt.Errorf("invalid configuration")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
	ErrAuditWrite    = fmt.Errorf("audit log write failed")
	ErrUnknownModel  = fmt.Errorf("unknown model")
	ErrStore         = fmt.Errorf("record store operation failed")

	// Gateway errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")

	// RBAC errors.
	ErrForbidden = fmt.Errorf("forbidden: insufficient permissions")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Records.Create")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "store", "policy"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ConfigurationError reports a malformed or self-inconsistent policy or model table.
// All problems found in one pass are collected so operators can fix them together.
type ConfigurationError struct {
	Source   string // e.g. "policy", "models"
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s:\n  - %s", ErrConfiguration, e.Source, strings.Join(e.Problems, "\n  - "))
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Addf records a formatted problem.
func (e *ConfigurationError) Addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns e when it holds problems, nil otherwise.
func (e *ConfigurationError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// ErrorCode is a machine-parseable error category for clients and monitoring.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeConfiguration   ErrorCode = "CONFIGURATION"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeEncryption      ErrorCode = "ENCRYPTION"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeAuditWrite      ErrorCode = "AUDIT_WRITE"
	CodeUnknownModel    ErrorCode = "UNKNOWN_MODEL"
	CodeStore           ErrorCode = "STORE"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth     ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeRecordNotFound  ErrorCode = "RECORD_NOT_FOUND"
	CodeRecordDuplicate ErrorCode = "RECORD_DUPLICATE"
	CodeRecordInvalid   ErrorCode = "RECORD_INVALID"
	CodeSearchLimit     ErrorCode = "SEARCH_LIMIT"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,

	ErrConfiguration:     CodeConfiguration,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuditWrite:        CodeAuditWrite,
	ErrUnknownModel:      CodeUnknownModel,
	ErrStore:             CodeStore,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRateLimit:         CodeRateLimit,
	ErrForbidden:         CodeForbidden,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"records": CodeRecordNotFound,
	},
	ErrDuplicate: {
		"records": CodeRecordDuplicate,
	},
	ErrInvalidInput: {
		"records": CodeRecordInvalid,
	},
	ErrLimitReached: {
		"records": CodeSearchLimit,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// ErrGatewayAuthFailed wraps ErrAuthInvalid; check the more specific one first.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
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
