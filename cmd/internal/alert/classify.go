package alert

import (
	"errors"
	"net"
	"strings"
)

// Category groups store failures by how the caller should react.
type Category string

const (
	CategoryPermission   Category = "permission"
	CategoryAuth         Category = "auth"
	CategoryNotFound     Category = "not-found"
	CategoryPrecondition Category = "precondition"
	CategoryUnavailable  Category = "unavailable"
	CategoryQuota        Category = "quota"
	CategoryNetwork      Category = "network"
	CategoryUnknown      Category = "unknown"
)

// Classification is the result of Classify.
type Classification struct {
	Category  Category
	Code      string
	Message   string
	Retryable bool
}

const (
	msgPermission   = "Cloud write permission denied. Please check the alert store access rules and ensure they are deployed."
	msgAuth         = "Authentication failed. Please refresh the page and try again."
	msgNotFound     = "Alert database not found. Please ensure the alert store is provisioned."
	msgPrecondition = "Alert store not initialized. Please create the alert database before sending alerts."
	msgUnavailable  = "Database connection error. Please check your internet connection."
	msgQuota        = "Database quota exceeded. Please try again later."
	msgNetwork      = "Network error. Please check your internet connection and try again."
	msgUnknownFmt   = "Cloud alert error: "
)

// Classify maps a store failure to a category, a user-facing message and a
// retry decision. It is pure and deterministic.
//
// Permission, auth, not-found and precondition failures are not retryable;
// everything else is.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Message: msgUnknownFmt + "unknown error", Retryable: true}
	}

	code := errorCode(err)
	switch code {
	case CodePermissionDenied:
		return Classification{Category: CategoryPermission, Code: code, Message: msgPermission}
	case CodeUnauthenticated:
		return Classification{Category: CategoryAuth, Code: code, Message: msgAuth}
	case CodeNotFound:
		return Classification{Category: CategoryNotFound, Code: code, Message: msgNotFound}
	case CodeFailedPrecondition:
		return Classification{Category: CategoryPrecondition, Code: code, Message: msgPrecondition}
	case CodeUnavailable, CodeDeadlineExceeded:
		return Classification{Category: CategoryUnavailable, Code: code, Message: msgUnavailable, Retryable: true}
	case CodeResourceExhausted:
		return Classification{Category: CategoryQuota, Code: code, Message: msgQuota, Retryable: true}
	}

	if isNetwork(err) {
		return Classification{Category: CategoryNetwork, Code: code, Message: msgNetwork, Retryable: true}
	}

	return Classification{
		Category:  CategoryUnknown,
		Code:      code,
		Message:   msgUnknownFmt + rawMessage(err),
		Retryable: true,
	}
}

// Retryable reports whether a failed write may be attempted again.
func Retryable(err error) bool { return Classify(err).Retryable }

// NormalizeCode lowercases a code and maps "_" to "-" so PERMISSION_DENIED and
// permission-denied compare equal.
func NormalizeCode(code string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(code)), "_", "-")
}

func errorCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return NormalizeCode(se.Code)
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return NormalizeCode(coded.Code())
	}
	return ""
}

func isNetwork(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	s := strings.ToLower(rawMessage(err))
	return strings.Contains(s, "failed to fetch") || strings.Contains(s, "network")
}

func rawMessage(err error) string {
	var se *StoreError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
