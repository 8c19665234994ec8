// Package errs defines the error taxonomy shared by every component of the
// query execution core: driver scheduler, worker runtime, session core, and
// the request dispatcher all classify failures into one of these sentinels
// so that gRPC-facing boundaries can translate them to a status code without
// threading a second, parallel classification scheme through internal code.
package errs

import "errors"

// Taxonomy sentinels. Wrap with fmt.Errorf("...: %w", Sentinel) at the point
// a failure is classified; check with errors.Is further up the call chain.
var (
	// InvalidArgument: malformed request, unknown session, missing required fields.
	InvalidArgument = errors.New("invalid argument")
	// NotFound: channel, operation, or session missing.
	NotFound = errors.New("not found")
	// Unavailable: transient — worker not yet ready, buffer drained awaiting producer.
	Unavailable = errors.New("unavailable")
	// InvalidPlan: plan fragment failed to deserialize or validate.
	InvalidPlan = errors.New("invalid plan")
	// UpstreamLost: a producing worker failed while its stream was consumed.
	UpstreamLost = errors.New("upstream lost")
	// Canceled: operation canceled by client or system.
	Canceled = errors.New("canceled")
	// Internal: unclassified defect; always logged with full context.
	Internal = errors.New("internal error")
)

// Transient reports whether cause is a retriable condition per the retry
// policy in §4.5: worker loss, upstream loss, and shuffle-fetch unavailable
// are retriable; everything else (deserialization, logical errors) is not.
func Transient(cause error) bool {
	return errors.Is(cause, Unavailable) || errors.Is(cause, UpstreamLost)
}
