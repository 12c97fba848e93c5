// Package fault defines the error taxonomy shared by every control-node
// component. Each failure surfaced to a caller carries a Kind so sinks,
// metrics, and tests can classify it without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformedPayload: XML invalid or a required field missing.
	KindMalformedPayload
	// KindRuleBaseNotActive: token references a version not yet committed.
	KindRuleBaseNotActive
	// KindBindingViolation: attributes outside the declared canonical bindings.
	KindBindingViolation
	// KindBindingConflict: join merge would overwrite a colliding attribute key.
	KindBindingConflict
	// KindRoutingAmbiguous: guard evaluation left zero or more than one target
	// where exactly one was required.
	KindRoutingAmbiguous
	// KindCoordination: fork/join invariant violated. Fatal for the node.
	KindCoordination
	// KindTransient: service-reported failure worth retrying.
	KindTransient
	// KindExpired: a notAfter deadline has passed.
	KindExpired
	// KindCaptureOverflow: capture buffer full, records dropped.
	KindCaptureOverflow
	// KindRuleVersionConflict: incompatible redelivery of a committed version.
	KindRuleVersionConflict
)

// String returns the stable name used in logs and capture records.
func (k Kind) String() string {
	switch k {
	case KindMalformedPayload:
		return "MalformedPayload"
	case KindRuleBaseNotActive:
		return "RuleBaseNotActive"
	case KindBindingViolation:
		return "BindingViolation"
	case KindBindingConflict:
		return "BindingConflict"
	case KindRoutingAmbiguous:
		return "RoutingAmbiguous"
	case KindCoordination:
		return "CoordinationError"
	case KindTransient:
		return "Transient"
	case KindExpired:
		return "Expired"
	case KindCaptureOverflow:
		return "CaptureOverflow"
	case KindRuleVersionConflict:
		return "RuleVersionConflict"
	default:
		return "Unknown"
	}
}

// Error is a classified failure, optionally wrapping a cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause returns nil so call sites
// can wrap unconditionally.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err or any error it wraps. Unclassified
// errors report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err (or anything it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
