package icap

import (
	"strconv"
	"strings"
	"time"
)

// defaultServerPreview is used when the OPTIONS response is missing a
// Preview header or it doesn't parse as an integer.
const defaultServerPreview = 1024

// parseOptionsResponse turns a raw OPTIONS response into a
// RemoteServiceConfiguration. now is injected so callers (and tests) control
// the NegotiatedAt timestamp.
func parseOptionsResponse(now time.Time, headers *HeaderInformation, warn func(string)) (*RemoteServiceConfiguration, error) {
	if headers.Status != 200 {
		return nil, &IoError{Reason: "OPTIONS: could not resolve options (status " + strconv.Itoa(headers.Status) + ")"}
	}

	previewSize := defaultServerPreview
	if raw := headers.Get("Preview"); raw != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 {
			previewSize = n
		} else if warn != nil {
			warn("could not parse server preview size [" + raw + "], using default")
		}
	}

	serverAllow204 := false
	if allow := headers.Get("Allow"); allow != "" {
		first := strings.TrimSpace(strings.SplitN(allow, ",", 2)[0])
		serverAllow204 = strings.EqualFold(first, "204")
	}

	var methods []Mode
	for _, raw := range headers.Values("Methods") {
		for _, tok := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			mode, ok := ParseMode(tok)
			if !ok {
				return nil, &IoError{Reason: "OPTIONS: unknown method token " + tok}
			}
			methods = append(methods, mode)
		}
	}

	return &RemoteServiceConfiguration{
		NegotiatedAt:     now,
		SupportedMethods: methods,
		ServerPreview:    previewSize,
		ServerAllow204:   serverAllow204,
		RawHeaders:       headers,
	}, nil
}
