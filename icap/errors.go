package icap

import "fmt"

// InvalidInputError signals a programming error at the caller: a nil/empty
// resource name or body, or a negative length at validation time. A zero
// length is not an error: validation short-circuits with an empty result.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// IoError wraps a transport failure: connect/read/write timeout, a reset
// connection, or an OPTIONS probe that didn't return 200.
type IoError struct {
	Reason string
	Cause  error
}

func (e *IoError) Error() string {
	if e.Cause != nil {
		return "icap I/O error: " + e.Reason + ": " + e.Cause.Error()
	}
	return "icap I/O error: " + e.Reason
}

func (e *IoError) Unwrap() error { return e.Cause }

// NotFoundError is the specific IoError case where the ICAP server
// responded 404 (service name not found). It unwraps to an *IoError.
type NotFoundError struct {
	Headers *HeaderInformation
}

func (e *NotFoundError) Error() string {
	return "404: ICAP service not found"
}

// Unwrap exposes the 404 as an *IoError, so errors.As(err, &ioErr) matches.
func (e *NotFoundError) Unwrap() error {
	return &IoError{Reason: "ICAP service not found (404)"}
}

// UnknownResponseError signals an ICAP status outside {100, 200, 204, 404}.
type UnknownResponseError struct {
	Status  int
	Headers *HeaderInformation
}

func (e *UnknownResponseError) Error() string {
	return fmt.Sprintf("unknown ICAP response status %d", e.Status)
}

// Verdict is the derived outcome of a Validate call.
type Verdict int

const (
	// VerdictClean means the resource passed without a threat or content
	// mismatch.
	VerdictClean Verdict = iota
	// VerdictThreatFound means a vendor threat header (or an encapsulated
	// explanation body) was present.
	VerdictThreatFound
	// VerdictNotIdentical means compare-verify-identical-content is
	// enabled and the server's returned content differs from the input.
	VerdictNotIdentical
	// VerdictUnknown is never returned by the interpreter as a terminal
	// verdict on the success path; it exists for completeness when a
	// caller inspects a HeaderInformation out of band.
	VerdictUnknown
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictThreatFound:
		return "threat-found"
	case VerdictNotIdentical:
		return "not-identical"
	default:
		return "unknown"
	}
}

// ContentBlockedError is returned by Validate when the verdict interpreter
// decides the resource was blocked: either a detected threat or, with
// compare-verify-identical-content enabled, non-identical content.
type ContentBlockedError struct {
	Message     string
	Headers     *HeaderInformation
	Explanation string
	Verdict     Verdict
}

func (e *ContentBlockedError) Error() string {
	return e.Message
}
