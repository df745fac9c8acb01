package recovery

import "strings"

// ErrorKind tags an error for retry/propagation decisions. Tags, not Go
// types: callers classify any error (including ones from a child process's
// stderr) into one of these buckets.
type ErrorKind string

const (
	KindSessionTimeout ErrorKind = "SessionTimeout"
	KindRateLimit      ErrorKind = "RateLimit"
	KindNetworkError   ErrorKind = "NetworkError"
	KindInputError     ErrorKind = "InputError"
	KindProcessTimeout ErrorKind = "ProcessTimeout"
	KindProcessCrashed ErrorKind = "ProcessCrashed"
	KindValidationError ErrorKind = "ValidationError"
	KindCircuitOpen    ErrorKind = "CircuitOpen"
	KindUnknownProject ErrorKind = "UnknownProject"
	KindTransportError ErrorKind = "TransportError"
	KindUnknown        ErrorKind = "Unknown"
)

// Recoverable reports whether the recovery primitive should retry an error
// of this kind.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindNetworkError, KindProcessCrashed, KindProcessTimeout, KindRateLimit, KindUnknown, KindTransportError:
		return true
	default:
		return false
	}
}

// Classify inspects an error's message for known non-recoverable signatures
// (file-not-found, permission-denied, syntax errors, 4xx auth errors,
// explicit "not found") and returns the most specific matching ErrorKind.
// Anything unmatched is transient (KindUnknown).
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "invalid api key", "please run /login", "api login failure", "authentication failed"):
		return KindSessionTimeout
	case containsAny(msg, "no such file or directory", "enoent", "file not found"):
		return KindInputError
	case containsAny(msg, "permission denied", "eacces"):
		return KindInputError
	case containsAny(msg, "syntax error"):
		return KindInputError
	case containsAny(msg, "401", "unauthorized", "403", "forbidden"):
		return KindInputError
	case containsAny(msg, "not found", "404"):
		return KindInputError
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return KindRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return KindProcessTimeout
	case containsAny(msg, "connection refused", "connection reset", "no route to host", "network"):
		return KindNetworkError
	case containsAny(msg, "circuit open", "circuitopen"):
		return KindCircuitOpen
	case containsAny(msg, "unknown project", "unknownproject"):
		return KindUnknownProject
	case containsAny(msg, "validation_error", "validationerror"):
		return KindValidationError
	case containsAny(msg, "signal: killed", "exit status", "process crashed"):
		return KindProcessCrashed
	default:
		return KindUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
