package icap

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	crlf       = "\r\n"
	icapEndSep = crlf + crlf
)

// rejectionSink is invoked for custom headers dropped during sanitization;
// it exists as a seam so codec_test.go can assert on rejections without a
// logger dependency.
type rejectionSink func(name string)

// buildOptionsRequest renders a full OPTIONS request envelope.
func buildOptionsRequest(svc ServiceInformation, ri RequestInformation, onRejected rejectionSink) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OPTIONS icap://%s:%d/%s ICAP/%s%s", svc.HostName, svc.ServicePort, svc.ServiceName, ri.APIVersion, crlf)
	fmt.Fprintf(&b, "Host: %s%s", svc.HostName, crlf)
	fmt.Fprintf(&b, "User-Agent: %s%s", ri.UserAgent, crlf)
	writeCustomHeaders(&b, ri, onRejected)
	fmt.Fprintf(&b, "Encapsulated: null-body=0%s", crlf)
	b.WriteString(crlf)
	return b.String()
}

// encapsulatedEnvelope is the rendered synthetic HTTP head(s) and the
// Encapsulated offsets describing them. For REQMOD it is just a synthetic
// GET request; for RESPMOD/FILEMOD it is that same synthetic request
// followed by a synthetic 200 OK response carrying the resource as a
// chunked body.
type encapsulatedEnvelope struct {
	head             string // bytes preceding the body (req-hdr [+ <tag>-hdr])
	encapsulatedSpec string // value of the Encapsulated header
}

// buildEncapsulatedEnvelope renders the encapsulated HTTP head: a
// synthetic "GET /<name> HTTP/1.1" request (Host set to request-source),
// and, for RESPMOD/FILEMOD, a synthetic "HTTP/1.1 200 OK" response
// declaring Transfer-Encoding: chunked and the resource's true length.
func buildEncapsulatedEnvelope(mode Mode, resource Resource, ri RequestInformation) encapsulatedEnvelope {
	reqHead := fmt.Sprintf("GET /%s HTTP/1.1%sHost: %s%s%s",
		encodeResourcePath(resource.Name), crlf, ri.RequestSource, crlf, crlf)

	tag := mode.tag()
	if mode == REQMOD {
		return encapsulatedEnvelope{
			head:             reqHead,
			encapsulatedSpec: fmt.Sprintf("req-hdr=0, %s-body=%d", tag, len(reqHead)),
		}
	}

	respHead := fmt.Sprintf("HTTP/1.1 200 OK%sTransfer-Encoding: chunked%sContent-Length: %d%s%s",
		crlf, crlf, resource.Length, crlf, crlf)
	head := reqHead + respHead
	return encapsulatedEnvelope{
		head: head,
		encapsulatedSpec: fmt.Sprintf("req-hdr=0, %s-hdr=%d, %s-body=%d",
			tag, len(reqHead), tag, len(head)),
	}
}

// encodeResourcePath percent-encodes name for use as a URL path segment.
func encodeResourcePath(name string) string {
	return strings.ReplaceAll(url.PathEscape(strings.TrimSpace(name)), "%2F", "/")
}

// buildValidateEnvelope renders the full request line through the start of
// the body (everything up to and including the encapsulated HTTP head),
// plus the Encapsulated offsets needed by the preview writer.
func buildValidateEnvelope(mode Mode, svc ServiceInformation, ri RequestInformation, resource Resource, previewSize int, serverAllow204 bool, onRejected rejectionSink) (string, encapsulatedEnvelope) {
	env := buildEncapsulatedEnvelope(mode, resource, ri)

	var b strings.Builder
	fmt.Fprintf(&b, "%s icap://%s:%d/%s ICAP/%s%s", mode, svc.HostName, svc.ServicePort, svc.ServiceName, ri.APIVersion, crlf)
	fmt.Fprintf(&b, "Host: %s%s", svc.HostName, crlf)
	fmt.Fprintf(&b, "Connection: close%s", crlf)
	fmt.Fprintf(&b, "User-Agent: %s%s", ri.UserAgent, crlf)
	writeCustomHeaders(&b, ri, onRejected)
	if allowHeaderLine := renderAllow204(ri, serverAllow204); allowHeaderLine != "" {
		b.WriteString(allowHeaderLine)
	}
	fmt.Fprintf(&b, "Preview: %d%s", previewSize, crlf)
	fmt.Fprintf(&b, "Encapsulated: %s%s", env.encapsulatedSpec, crlf)
	b.WriteString(crlf)
	b.WriteString(env.head)
	return b.String(), env
}

// renderAllow204 decides whether to emit "Allow: 204\r\n": the server must
// have advertised support, and the caller must not have explicitly opted
// out (nil or true both count as "wants 204").
func renderAllow204(ri RequestInformation, serverAllow204 bool) string {
	wantsIt := ri.Allow204 == nil || *ri.Allow204
	if serverAllow204 && wantsIt {
		return "Allow: 204" + crlf
	}
	return ""
}

func writeCustomHeaders(b *strings.Builder, ri RequestInformation, onRejected rejectionSink) {
	for _, h := range ri.sanitizedCustomHeaders(onRejected) {
		fmt.Fprintf(b, "%s: %s%s", h.Name, h.Value, crlf)
	}
}

// chunkHeader renders the hex-length line preceding len bytes of chunk
// payload.
func chunkHeader(n int) string {
	return strconv.FormatInt(int64(n), 16) + crlf
}

// previewTerminator returns the terminator emitted right after the preview
// chunk: "0; ieof\r\n\r\n" when the preview covers the whole resource,
// otherwise the plain chunk terminator "0\r\n\r\n" (the preview is not the
// end of the message; a 100-continue is expected next).
func previewTerminator(previewCoversAll bool) string {
	if previewCoversAll {
		return "0; ieof" + icapEndSep
	}
	return "0" + icapEndSep
}

// remainderTerminator is always the plain terminator: by the time the
// remainder is sent, the server has already committed to reading a body.
func remainderTerminator() string {
	return "0" + icapEndSep
}

// parseStatusLine decodes "ICAP/<v> <status> <reason>".
func parseStatusLine(line string) (status int, reason string, err error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "ICAP/") {
		return 0, "", fmt.Errorf("icap: malformed status line %q", line)
	}
	status, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("icap: malformed status code in %q: %w", line, err)
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return status, reason, nil
}

// parseHeaderBlock parses a raw ICAP response header block (status line
// plus "Name: Value" lines, CRLF-terminated, ending in a blank line) into a
// HeaderInformation. The raw status line is also stashed under
// StatusLineHeader for diagnostics; callers that hand the result to the
// verdict interpreter strip it first.
func parseHeaderBlock(raw []byte) (*HeaderInformation, error) {
	text := string(raw)
	lines := strings.Split(text, crlf)

	info := NewHeaderInformation()
	if len(lines) == 0 || lines[0] == "" {
		return info, fmt.Errorf("icap: empty response")
	}

	status, reason, err := parseStatusLine(lines[0])
	if err != nil {
		return info, err
	}
	info.Status = status
	info.Message = reason
	info.Set(StatusLineHeader, strings.TrimRight(lines[0], "\r\n"))

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			continue
		}
		info.Add(name, value)
	}
	return info, nil
}
