package icap

import "strings"

// StatusLineHeader is the synthetic header name the wire parser stores the
// raw ICAP status line under, for diagnostics. It is stripped before the
// verdict interpreter (and the caller) ever sees the header map.
const StatusLineHeader = "X-ICAP-Statusline"

// Synthetic response headers the client sets on success.
const (
	HeaderRequestDigest  = "X-Request-Message-Digest"
	HeaderResponseDigest = "X-Response-Message-Digest"
	HeaderIdenticalBody  = "X-Identical-Content"
)

// Vendor headers that signal a threat or policy block across dialects.
var threatHeaders = []string{
	"X-Infection-Found",
	"X-Violations-Found",
	"X-Blocked",
	"X-Virus-ID",
	"X-Virus-Name",
	"X-Block-Reason",
	"X-Block-Result",
}

// HeaderInformation is a parsed ICAP response envelope: status, reason
// phrase, and an ordered multi-map of header name to values. Lookup is
// case-insensitive; storage preserves the case the header was written or
// parsed with, and preserves insertion order of distinct names.
type HeaderInformation struct {
	Status  int
	Message string

	names  []string            // insertion order, canonical-cased as first seen
	values map[string][]string // keyed by lowercased name
}

// NewHeaderInformation returns an empty HeaderInformation (status 0, no
// headers), the value a validate call returns for a zero-length resource.
func NewHeaderInformation() *HeaderInformation {
	return &HeaderInformation{values: make(map[string][]string)}
}

func (h *HeaderInformation) ensure() {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
}

// Add appends value to name's list, preserving the case name was first
// added with and the order names were first seen.
func (h *HeaderInformation) Add(name, value string) {
	h.ensure()
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, name)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces name's value list with a single value.
func (h *HeaderInformation) Set(name, value string) {
	h.ensure()
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, name)
	}
	h.values[key] = []string{value}
}

// Remove deletes name entirely (case-insensitive).
func (h *HeaderInformation) Remove(name string) {
	h.ensure()
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Contains reports whether name is present (case-insensitive) with at
// least one value.
func (h *HeaderInformation) Contains(name string) bool {
	vals := h.Values(name)
	return len(vals) > 0
}

// Values returns name's values (case-insensitive), or nil if absent.
func (h *HeaderInformation) Values(name string) []string {
	if h.values == nil {
		return nil
	}
	return h.values[strings.ToLower(name)]
}

// Get returns the first value for name, or "" if absent.
func (h *HeaderInformation) Get(name string) string {
	vals := h.Values(name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Names returns header names in first-seen order, case as stored.
func (h *HeaderInformation) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Clone returns a deep copy of h.
func (h *HeaderInformation) Clone() *HeaderInformation {
	out := NewHeaderInformation()
	out.Status = h.Status
	out.Message = h.Message
	for _, name := range h.Names() {
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	return out
}

// hasThreatHeader reports whether any vendor threat-signaling header is
// present, across the ClamAV/C-ICAP, Sophos, Kaspersky, McAfee,
// Trend Micro, and ESET dialects.
func (h *HeaderInformation) hasThreatHeader() bool {
	for _, name := range threatHeaders {
		if h.Contains(name) {
			return true
		}
	}
	return false
}
