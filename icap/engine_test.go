package icap

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeTransport is a scripted Transport double: ReadUntil pops canned
// response header blocks off a queue in order, PipeBody writes a canned
// body, and every write is recorded for assertions on the wire format.
type fakeTransport struct {
	written         strings.Builder
	headerResponses [][]byte
	bodyToReturn    []byte
	pipeBodyErr     error
	closed          bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.written.Write(p)
	return len(p), nil
}

func (f *fakeTransport) WriteString(s string) (int, error) {
	f.written.WriteString(s)
	return len(s), nil
}

func (f *fakeTransport) Flush() error { return nil }

func (f *fakeTransport) ReadUntil(delim []byte, maxBytes int) ([]byte, error) {
	if len(f.headerResponses) == 0 {
		return nil, &IoError{Reason: "fakeTransport: no more scripted responses"}
	}
	next := f.headerResponses[0]
	f.headerResponses = f.headerResponses[1:]
	return next, nil
}

func (f *fakeTransport) PipeBody(sink io.Writer) (int64, error) {
	if f.pipeBodyErr != nil {
		return -1, f.pipeBodyErr
	}
	n, err := sink.Write(f.bodyToReturn)
	return int64(n), err
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type fakeConnManager struct {
	transport Transport
	called    bool
}

func (m *fakeConnManager) Connect(ctx context.Context, host string, port int, serviceName string, secure bool, connectTimeout, readTimeout time.Duration) (Transport, error) {
	m.called = true
	return m.transport, nil
}

func testClient(t *testing.T, ft *fakeTransport, cfg *RemoteServiceConfiguration) (*Client, *fakeConnManager) {
	t.Helper()
	mgr := &fakeConnManager{transport: ft}
	svc := ServiceInformation{HostName: "icap.example.com", ServicePort: 1344, ServiceName: "avscan"}
	c := New(mgr, svc, WithRemoteServiceConfiguration(cfg))
	return c, mgr
}

func TestValidate_ZeroLengthResourceShortCircuits(t *testing.T) {
	ft := &fakeTransport{}
	c, mgr := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024})

	headers, err := c.Validate(context.Background(), RESPMOD, Resource{Name: "empty.txt", Length: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Status != 0 {
		t.Errorf("Status = %d, want 0 for short-circuit result", headers.Status)
	}
	if mgr.called {
		t.Error("expected zero-length resource to never open a transport")
	}
}

func TestValidate_PreviewCoversAllCleanWithBody(t *testing.T) {
	body := "hello world"
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 200 OK\r\nEncapsulated: res-hdr=0, res-body=20\r\n\r\n"),
		},
		bodyToReturn: []byte(body),
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024, ServerAllow204: true})

	headers, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "page.html",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Get(HeaderRequestDigest) == "" {
		t.Error("expected request digest header to be set")
	}
	if headers.Get(HeaderResponseDigest) == "" {
		t.Error("expected response digest header to be set")
	}
	if headers.Get(HeaderRequestDigest) != headers.Get(HeaderResponseDigest) {
		t.Error("expected identical input/output to produce equal digests")
	}
	if headers.Contains(StatusLineHeader) {
		t.Error("expected synthetic status line header to be stripped before returning to caller")
	}
	if !strings.Contains(ft.written.String(), "0; ieof\r\n\r\n") {
		t.Error("expected preview covering the whole resource to use the ieof terminator")
	}
}

func TestValidate_PreviewCoversAll_204NoContent(t *testing.T) {
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 204 No Content\r\n\r\n"),
		},
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024, ServerAllow204: true})

	body := "clean file"
	headers, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "clean.txt",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Status != 204 {
		t.Errorf("Status = %d, want 204", headers.Status)
	}
	if headers.Contains(HeaderRequestDigest) {
		t.Error("did not expect digests on a 204 No Content result")
	}
}

func TestValidate_AwaitContinueThenFinalNoContent(t *testing.T) {
	body := strings.Repeat("x", 20)
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 100 Continue\r\n\r\n"),
			[]byte("ICAP/1.0 204 No Content\r\n\r\n"),
		},
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 4, ServerAllow204: true})

	headers, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "big.bin",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Status != 204 {
		t.Errorf("Status = %d, want 204", headers.Status)
	}
	if !strings.Contains(ft.written.String(), "0\r\n\r\n") {
		t.Error("expected a plain chunk terminator somewhere in the written stream")
	}
}

func TestValidate_ZeroPreviewFollowsContinuePath(t *testing.T) {
	body := "0123456789"
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 100 Continue\r\n\r\n"),
			[]byte("ICAP/1.0 204 No Content\r\n\r\n"),
		},
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 0, ServerAllow204: true})

	headers, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "f.bin",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.Status != 204 {
		t.Errorf("Status = %d, want 204", headers.Status)
	}

	wire := ft.written.String()
	if strings.Contains(wire, "ieof") {
		t.Error("zero preview must not use the ieof terminator")
	}
	// The empty preview chunk's header+trailer is itself the terminator, so
	// the chunked body carries exactly two: one after the (empty) preview,
	// one after the remainder. Counting starts after the synthetic response
	// head, whose "Content-Length: 10\r\n\r\n" would otherwise match too.
	_, chunked, found := strings.Cut(wire, "Content-Length: 10\r\n\r\n")
	if !found {
		t.Fatalf("synthetic response head not found in wire: %q", wire)
	}
	if got := strings.Count(chunked, "0\r\n\r\n"); got != 2 {
		t.Errorf("plain terminator count = %d, want 2 (wire: %q)", got, wire)
	}
}

func TestValidate_ThreatFoundReturnsContentBlockedError(t *testing.T) {
	explanation := "Access Denied: EICAR test file detected"
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 200 OK\r\nX-Virus-Name: Eicar-Test-Signature\r\nEncapsulated: res-hdr=0, res-body=30\r\n\r\n"),
		},
		bodyToReturn: []byte(explanation),
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024})

	body := "x"
	_, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "payload.exe",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err == nil {
		t.Fatal("expected ContentBlockedError")
	}
	blocked, ok := err.(*ContentBlockedError)
	if !ok {
		t.Fatalf("err type = %T, want *ContentBlockedError", err)
	}
	if blocked.Verdict != VerdictThreatFound {
		t.Errorf("Verdict = %v, want threat-found", blocked.Verdict)
	}
	if blocked.Explanation != explanation {
		t.Errorf("Explanation = %q, want %q", blocked.Explanation, explanation)
	}
}

func TestValidate_CompareVerifyIdenticalContent_NotIdentical(t *testing.T) {
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 200 OK\r\nEncapsulated: res-hdr=0, res-body=20\r\n\r\n"),
		},
		bodyToReturn: []byte("MODIFIED"),
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024})
	c.SetCompareVerifyIdenticalContent(true)

	body := "original"
	_, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "doc.txt",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err == nil {
		t.Fatal("expected ContentBlockedError for non-identical content")
	}
	blocked, ok := err.(*ContentBlockedError)
	if !ok {
		t.Fatalf("err type = %T, want *ContentBlockedError", err)
	}
	if blocked.Verdict != VerdictNotIdentical {
		t.Errorf("Verdict = %v, want not-identical", blocked.Verdict)
	}
}

func TestValidate_404ServiceNotFound(t *testing.T) {
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 404 ICAP Service Not Found\r\n\r\n"),
		},
	}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024})

	body := "x"
	_, err := c.Validate(context.Background(), RESPMOD, Resource{
		Name:   "thing.bin",
		Length: int64(len(body)),
		Body:   strings.NewReader(body),
	})
	if err == nil {
		t.Fatal("expected an error for 404 response")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("err type = %T, want *NotFoundError", err)
	}
}

func TestValidate_InvalidInput(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := testClient(t, ft, &RemoteServiceConfiguration{ServerPreview: 1024})

	_, err := c.Validate(context.Background(), RESPMOD, Resource{Name: "", Length: 5, Body: strings.NewReader("abcde")})
	if _, ok := err.(*InvalidInputError); !ok {
		t.Errorf("err type = %T, want *InvalidInputError", err)
	}
}
