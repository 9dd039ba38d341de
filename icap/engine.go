package icap

import (
	"context"
	"io"
	"strconv"
)

// maxHeaderBytes bounds the ICAP response header block read (ReadUntil);
// it guards against a server that never sends the blank-line terminator.
const maxHeaderBytes = 64 * 1024

// defaultBufferSize is the chunk size used to stream the remainder of a
// resource after the preview.
const defaultBufferSize = 8192

// engineSession carries the state a single ValidateWithRequestInformation
// call threads through the state machine. It exists so the engine's run
// method isn't a single giant parameter list.
type engineSession struct {
	client      *Client
	transport   Transport
	mode        Mode
	requestInfo RequestInformation
	resource    Resource
	requestID   string
	previewSize int
	inputDigest *digestingReader
}

// run drives Init → ... → Done/Blocked/Failed for one
// ValidateWithRequestInformation call and returns the header information the caller
// sees (digests attached), plus the decoded body (for verdict
// explanation extraction) and whether a body was actually read.
func (s *engineSession) run(ctx context.Context) (*HeaderInformation, []byte, bool, error) {
	cfg := s.client.currentConfig()

	envelope, _ := buildValidateEnvelope(s.mode, s.client.svc, s.requestInfo, s.resource, s.previewSize, cfg.ServerAllow204, s.rejectionLogger())

	if err := writeAll(s.transport, envelope); err != nil {
		return nil, nil, false, &IoError{Reason: "write request envelope", Cause: err}
	}

	previewCoversAll := int64(s.previewSize) >= s.resource.Length
	previewChunk := make([]byte, s.previewSize)
	n, rerr := io.ReadFull(s.inputDigest, previewChunk)
	if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
		return nil, nil, false, &IoError{Reason: "read preview bytes from resource", Cause: rerr}
	}
	previewChunk = previewChunk[:n]

	if err := writeAll(s.transport, chunkHeader(len(previewChunk))); err != nil {
		return nil, nil, false, &IoError{Reason: "write preview chunk header", Cause: err}
	}
	if _, err := s.transport.Write(previewChunk); err != nil {
		return nil, nil, false, &IoError{Reason: "write preview chunk body", Cause: err}
	}
	if err := writeAll(s.transport, crlf); err != nil {
		return nil, nil, false, &IoError{Reason: "write preview chunk trailer", Cause: err}
	}
	// A zero-size preview's chunk header plus trailer is already the plain
	// terminator "0\r\n\r\n"; writing another would put a stray zero chunk
	// on the wire.
	if previewCoversAll || len(previewChunk) > 0 {
		if err := writeAll(s.transport, previewTerminator(previewCoversAll)); err != nil {
			return nil, nil, false, &IoError{Reason: "write preview terminator", Cause: err}
		}
	}
	if err := s.transport.Flush(); err != nil {
		return nil, nil, false, &IoError{Reason: "flush preview", Cause: err}
	}

	if previewCoversAll {
		return s.readVerdict(ctx)
	}

	// Await-Continue: the preview did not cover the whole resource, so we
	// must hear back before sending more.
	headers, err := s.readResponseHeaders()
	if err != nil {
		return nil, nil, false, err
	}

	switch headers.Status {
	case 100:
		// fall through to Sent-Remainder below
	case 200:
		return s.maybeReadBody(headers)
	case 204:
		return headers, nil, false, nil
	case 404:
		return nil, nil, false, &NotFoundError{Headers: headers}
	default:
		return nil, nil, false, &UnknownResponseError{Status: headers.Status, Headers: headers}
	}

	// Sent-Remainder: stream the rest of the resource in buffer-sized
	// chunks.
	buf := make([]byte, defaultBufferSize)
	for {
		n, rerr := s.inputDigest.Read(buf)
		if n > 0 {
			if err := writeAll(s.transport, chunkHeader(n)); err != nil {
				return nil, nil, false, &IoError{Reason: "write remainder chunk header", Cause: err}
			}
			if _, err := s.transport.Write(buf[:n]); err != nil {
				return nil, nil, false, &IoError{Reason: "write remainder chunk body", Cause: err}
			}
			if err := writeAll(s.transport, crlf); err != nil {
				return nil, nil, false, &IoError{Reason: "write remainder chunk trailer", Cause: err}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, nil, false, &IoError{Reason: "read remainder bytes from resource", Cause: rerr}
		}
	}
	if err := writeAll(s.transport, remainderTerminator()); err != nil {
		return nil, nil, false, &IoError{Reason: "write remainder terminator", Cause: err}
	}
	if err := s.transport.Flush(); err != nil {
		return nil, nil, false, &IoError{Reason: "flush remainder", Cause: err}
	}

	return s.readVerdict(ctx)
}

// readVerdict reads the (final) ICAP response after the body has been
// fully sent and dispatches on its status.
func (s *engineSession) readVerdict(ctx context.Context) (*HeaderInformation, []byte, bool, error) {
	headers, err := s.readResponseHeaders()
	if err != nil {
		return nil, nil, false, err
	}

	switch headers.Status {
	case 204:
		return headers, nil, false, nil
	case 200:
		return s.maybeReadBody(headers)
	case 404:
		return nil, nil, false, &NotFoundError{Headers: headers}
	default:
		return nil, nil, false, &UnknownResponseError{Status: headers.Status, Headers: headers}
	}
}

// maybeReadBody decides whether a 200 response carries a body to read:
// Encapsulated must be present, and REQMOD with an explicit allow204=false
// opt-out returns the headers without ever reading the body, even though
// the server sent one. The opt-out case respects the caller's preference
// at the cost of the digest headers.
func (s *engineSession) maybeReadBody(headers *HeaderInformation) (*HeaderInformation, []byte, bool, error) {
	if !headers.Contains("Encapsulated") {
		s.client.logger().Warnf("%smissing Encapsulated header in 200 response; returning headers without body", s.requestID)
		return headers, nil, false, nil
	}

	optedOutOf204 := s.requestInfo.Allow204 != nil && !*s.requestInfo.Allow204
	if s.mode == REQMOD && optedOutOf204 {
		return headers, nil, false, nil
	}

	sink := newBodySink(s.client.tempFileProvider, s.requestID+"body-*.tmp")
	defer sink.Close()

	outputDigest := newMessageDigest()
	mw := io.MultiWriter(sink, outputDigest)
	written, perr := s.transport.PipeBody(mw)
	fullyRead := perr == nil && written >= 0

	inputMsg := digestHex(s.inputDigest.h)
	outputMsg := digestHex(outputDigest)
	headers.Set(HeaderRequestDigest, inputMsg)
	headers.Set(HeaderResponseDigest, outputMsg)

	if s.client.compareVerifyIdenticalContent {
		identical := fullyRead && s.resource.Length == sink.Len() && inputMsg == outputMsg
		headers.Set(HeaderIdenticalBody, strconv.FormatBool(identical))
	}

	bodyBytes, readErr := sink.Bytes()
	if readErr != nil {
		return headers, nil, true, nil
	}
	return headers, bodyBytes, true, nil
}

// readResponseHeaders reads one bounded ICAP header block and parses it.
func (s *engineSession) readResponseHeaders() (*HeaderInformation, error) {
	raw, err := s.transport.ReadUntil([]byte(icapEndSep), maxHeaderBytes)
	if err != nil && len(raw) == 0 {
		return nil, &IoError{Reason: "read ICAP response", Cause: err}
	}
	headers, perr := parseHeaderBlock(raw)
	if perr != nil {
		return nil, &IoError{Reason: "parse ICAP response", Cause: perr}
	}
	return headers, nil
}

func (s *engineSession) rejectionLogger() rejectionSink {
	return func(name string) {
		s.client.logger().Warnf("%sinvalid custom header [%s], it's not allowed, ignored", s.requestID, name)
	}
}

func writeAll(t Transport, s string) error {
	_, err := t.WriteString(s)
	return err
}
