// Package uploaderr defines the typed error kinds spec.md §7 lists, each
// carrying the HTTP status and compensating action the state machines
// dispatch on. Modeled as a single Error type with a Kind tag rather than
// per-kind types, matching the teacher's own flat error-wrapping style in
// its client package.
package uploaderr

import "fmt"

// Kind classifies an error for HTTP status mapping and compensation.
type Kind int

const (
	KindParse Kind = iota
	KindValidation
	KindPolicy
	KindCapacity
	KindTransient
	KindSoft
	KindDuplicate
)

// Error is the typed error every upload-path failure is wrapped in.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: err}
}

// Parse wraps an unsupported-signature-type / oversized-tags /
// premature-EOF parse failure. 400, user-visible, no quarantine (nothing
// was ever accepted).
func Parse(message string, err error) *Error { return newErr(KindParse, 400, message, err) }

// Validation wraps an invalid-signature / mismatched-id / size-overflow
// failure. 400, quarantine persisted artifacts.
func Validation(message string, err error) *Error { return newErr(KindValidation, 400, message, err) }

// Policy wraps a blocklisted-address / spam-pattern rejection. 403,
// quarantine.
func Policy(message string, err error) *Error { return newErr(KindPolicy, 403, message, err) }

// Capacity wraps insufficient-balance. 402.
func Capacity(message string, err error) *Error { return newErr(KindCapacity, 402, message, err) }

// Transient wraps payment/object-store/DB unreachability. 503,
// retryable by the client; server compensates with refunds and cache
// cleanup.
func Transient(message string, err error) *Error { return newErr(KindTransient, 503, message, err) }

// Soft wraps an optical-bridge or BDI-unbundle enqueue failure: logged
// and counted, never surfaced to the client as a failed upload.
func Soft(message string, err error) *Error { return newErr(KindSoft, 0, message, err) }

// Duplicate wraps a concurrent-duplicate-upload rejection. 202, no side
// effects.
func Duplicate(message string) *Error { return newErr(KindDuplicate, 202, message, nil) }

// TooLarge is the 413 Validation-kind error for content-length or total
// size overflow, conveyed as 400 with an explanatory message in practice
// per spec.md §6.
func TooLarge(message string) *Error { return newErr(KindValidation, 400, message, nil) }

// StatusCode returns the HTTP status an Error maps to, defaulting to 500
// for kinds without a fixed status (Soft never reaches the client).
func StatusCode(err error) int {
	if e, ok := err.(*Error); ok && e.Status != 0 {
		return e.Status
	}
	return 500
}

// KindOf extracts the Kind from err, returning ok=false if err is not an
// *Error.
func KindOf(err error) (Kind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}
