package mdm

import (
	"errors"
	"fmt"
)

// Kind classifies a vendor-API failure so callers can pick between retry,
// strategy fallback, and aborting the run.
type Kind string

const (
	// KindAuth covers 401/403 responses; fatal for the whole run.
	KindAuth Kind = "auth"
	// KindTransport covers network errors and 5xx responses; retryable.
	KindTransport Kind = "transport"
	// KindVendorRejected covers 422 responses; fatal for the current
	// strategy only.
	KindVendorRejected Kind = "vendor-rejected"
	// KindNotFound covers 404 responses.
	KindNotFound Kind = "not-found"
	// KindTimeout covers deadline expiry on a single call.
	KindTimeout Kind = "timeout"
	// KindInternal covers decoding failures and other client-side bugs.
	KindInternal Kind = "internal"
)

// Error is the typed error returned by every Client operation.
type Error struct {
	Kind      Kind
	Op        string
	Status    int
	Message   string
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("mdm: %s: %s", e.Op, e.Kind)
	if e.Exhausted {
		msg += " (exhausted)"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or "" for non-MDM errors.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsTransport reports whether err is a transport failure (including
// timeouts), after any retries were exhausted.
func IsTransport(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindTimeout
}

// IsVendorRejected reports whether the vendor refused the request outright.
func IsVendorRejected(err error) bool { return KindOf(err) == KindVendorRejected }

// IsNotFound reports whether the referenced vendor object does not exist.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
