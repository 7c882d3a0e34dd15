package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the closed set of failure categories produced at the
// backend boundary. Downstream logic switches on kinds; nothing above
// this package inspects status codes or error strings.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindTransient
	KindUnauthorized
	KindNotFound
	KindUniqueViolation
	KindReferentialIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindUniqueViolation:
		return "unique_violation"
	case KindReferentialIntegrity:
		return "referential_integrity"
	}
	return "generic"
}

// Error is a backend failure tagged with its kind.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s: %s", e.Op, e.Kind, e.Message)
}

// KindOf extracts the kind from err. Network-level and deadline
// failures count as transient; anything untagged is generic.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindGeneric
}

// Retryable reports whether err is worth another attempt. Permission
// and integrity failures never are: retrying those only burns the
// retry budget.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindUnauthorized, KindNotFound, KindUniqueViolation, KindReferentialIntegrity:
		return false
	}
	return false
}

// kindForStatus maps an HTTP status to an ErrorKind. Rate limits and
// server errors are transient; everything else 4xx is permanent.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindUniqueViolation
	case status == http.StatusUnprocessableEntity:
		return KindReferentialIntegrity
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	}
	return KindGeneric
}
