// Package icap implements an ICAP (RFC 3507) client: it encapsulates an
// HTTP message inside an ICAP envelope, streams the body under the
// preview/continue protocol, and interprets adaptation verdicts from
// anti-malware and content-policy ICAP services.
package icap

import (
	"io"
	"sort"
	"strings"
	"time"
)

// Mode selects which ICAP method a Resource is adapted with.
type Mode int

const (
	// REQMOD adapts an HTTP request.
	REQMOD Mode = iota
	// RESPMOD adapts an HTTP response.
	RESPMOD
	// FILEMOD adapts an opaque file object. Vendor support varies; treated
	// here as a RESPMOD-shaped variant with its own Encapsulated tag.
	FILEMOD
)

func (m Mode) String() string {
	switch m {
	case REQMOD:
		return "REQMOD"
	case RESPMOD:
		return "RESPMOD"
	case FILEMOD:
		return "FILEMOD"
	default:
		return "UNKNOWN"
	}
}

// tag returns the Encapsulated section prefix used for this mode's body:
// req-body, res-body, or file-body.
func (m Mode) tag() string {
	switch m {
	case REQMOD:
		return "req"
	case RESPMOD:
		return "res"
	case FILEMOD:
		return "file"
	default:
		return "req"
	}
}

// ParseMode maps an OPTIONS "Methods" token to a Mode. ok is false for any
// token the client does not understand.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REQMOD":
		return REQMOD, true
	case "RESPMOD":
		return RESPMOD, true
	case "FILEMOD":
		return FILEMOD, true
	default:
		return 0, false
	}
}

// ServiceInformation is the immutable identity of a remote ICAP service.
// It is created by the caller and lives for the client's lifetime.
type ServiceInformation struct {
	HostName         string
	ServicePort      int
	ServiceName      string
	SecureConnection bool
}

// AllowBool is a small helper for the tri-state Allow204 field, so callers
// can write AllowBool(true) instead of taking the address of a local bool.
func AllowBool(b bool) *bool { return &b }

// RequestInformation carries per-call parameters.
type RequestInformation struct {
	// APIVersion defaults to "1.0".
	APIVersion string
	// UserAgent defaults to "icap-client-go/1.0".
	UserAgent string
	// ConnectTimeout bounds transport acquisition.
	ConnectTimeout time.Duration
	// ReadTimeout bounds every receive.
	ReadTimeout time.Duration
	// Allow204 is the caller's tri-state preference; nil means auto.
	Allow204 *bool
	// CustomHeaders are additional ICAP request headers. Six names are
	// reserved and rejected: Host, Connection, User-Agent, Preview,
	// Encapsulated, Allow (case-insensitive).
	CustomHeaders map[string]string
	// RequestSource is used as the inner HTTP Host header; defaults to
	// "localhost" when empty.
	RequestSource string
}

// reservedHeaderNames are ICAP request headers the client manages itself;
// custom headers with these names (case-insensitive) are dropped.
var reservedHeaderNames = map[string]struct{}{
	"host":         {},
	"connection":   {},
	"user-agent":   {},
	"preview":      {},
	"encapsulated": {},
	"allow":        {},
}

// withDefaults returns a copy of ri with zero-valued fields filled in.
func (ri RequestInformation) withDefaults() RequestInformation {
	if ri.APIVersion == "" {
		ri.APIVersion = "1.0"
	}
	if ri.UserAgent == "" {
		ri.UserAgent = "icap-client-go/1.0"
	}
	if ri.RequestSource == "" {
		ri.RequestSource = "localhost"
	}
	return ri
}

// sanitizedCustomHeaders returns the caller's custom headers with reserved
// names dropped, whitespace trimmed, and empty values dropped, in a stable
// (sorted by name) order.
func (ri RequestInformation) sanitizedCustomHeaders(onRejected func(name string)) []headerPair {
	if len(ri.CustomHeaders) == 0 {
		return nil
	}
	names := make([]string, 0, len(ri.CustomHeaders))
	for name := range ri.CustomHeaders {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]headerPair, 0, len(names))
	for _, name := range names {
		value := ri.CustomHeaders[name]
		trimmedName := strings.TrimSpace(name)
		trimmedValue := strings.TrimSpace(value)
		if _, reserved := reservedHeaderNames[strings.ToLower(trimmedName)]; reserved {
			if onRejected != nil {
				onRejected(trimmedName)
			}
			continue
		}
		if trimmedValue == "" {
			continue
		}
		out = append(out, headerPair{Name: trimmedName, Value: trimmedValue})
	}
	return out
}

type headerPair struct {
	Name  string
	Value string
}

// prepareSourceRequest renders a short human-readable description of a
// validate() call, used only for logging and request identifiers.
func (ri RequestInformation) prepareSourceRequest(r Resource) string {
	return r.Name + " (" + r.lengthString() + " bytes)"
}

// Resource is the payload to adapt. The caller owns Body and the engine
// reads it exactly once, in order.
type Resource struct {
	// Name is a logical, non-empty name; it is percent-encoded into the
	// inner HTTP request path.
	Name string
	// Length is the resource size in bytes; must be > 0 for validate() to
	// actually open a transport (0 short-circuits with an empty result).
	Length int64
	// Body is read exactly once, start to end.
	Body io.Reader
}

func (r Resource) lengthString() string {
	return formatInt64(r.Length)
}

// RemoteServiceConfiguration is the cached result of an OPTIONS probe.
type RemoteServiceConfiguration struct {
	NegotiatedAt     time.Time
	SupportedMethods []Mode
	ServerPreview    int
	ServerAllow204   bool
	RawHeaders       *HeaderInformation
}

// SupportsMode reports whether the remote service advertised support for m.
func (c *RemoteServiceConfiguration) SupportsMode(m Mode) bool {
	for _, sm := range c.SupportedMethods {
		if sm == m {
			return true
		}
	}
	return false
}

func formatInt64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
