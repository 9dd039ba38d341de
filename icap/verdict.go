package icap

import "strings"

// interpretVerdict inspects a response's headers (and, if present, the
// decoded encapsulated body) to decide the adaptation outcome. bodyContent
// is the raw bytes received in Reading-Body, if any; bodyRead is false when
// no body section was decoded at all (as opposed to an empty body).
func interpretVerdict(mode Mode, headers *HeaderInformation, bodyContent []byte, bodyRead bool, compareVerifyIdenticalContent bool) (Verdict, string) {
	if headers.hasThreatHeader() {
		return VerdictThreatFound, threatExplanation(mode, headers, bodyContent, bodyRead)
	}

	if compareVerifyIdenticalContent && headers.Contains(HeaderIdenticalBody) {
		if v := headers.Get(HeaderIdenticalBody); strings.EqualFold(v, "false") {
			return VerdictNotIdentical, threatExplanation(mode, headers, bodyContent, bodyRead)
		}
	}

	return VerdictClean, ""
}

// threatExplanation picks the explanation text in priority order:
// the encapsulated body (UTF-8, trimmed) if this response named a
// <mode.tag>-body section and one was actually captured; else the first
// non-empty of X-Blocked, X-Virus-ID, X-Virus-Name; else "n/a".
func threatExplanation(mode Mode, headers *HeaderInformation, bodyContent []byte, bodyRead bool) string {
	if bodyRead && len(bodyContent) > 0 && encapsulatedNamesSection(headers, mode.tag()+"-body") {
		if text := strings.TrimSpace(string(bodyContent)); text != "" {
			return text
		}
	}

	for _, name := range []string{"X-Blocked", "X-Virus-ID", "X-Virus-Name"} {
		if v := headers.Get(name); strings.TrimSpace(v) != "" {
			return v
		}
	}

	return "n/a"
}

// encapsulatedNamesSection reports whether any Encapsulated header value
// lists the given section name. Values are comma-separated
// "<section>=<offset>" entries, e.g. "res-hdr=0, res-body=83".
func encapsulatedNamesSection(headers *HeaderInformation, section string) bool {
	for _, entry := range headers.Values("Encapsulated") {
		for _, part := range strings.Split(entry, ",") {
			name, _, ok := strings.Cut(part, "=")
			if ok && strings.EqualFold(strings.TrimSpace(name), section) {
				return true
			}
		}
	}
	return false
}
