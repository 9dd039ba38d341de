package gateway

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"icap-client/icap"
	"icap-client/internal/metrics"
)

// fakeTransport scripts canned ICAP response header blocks and bodies, the
// same way icap's own engine tests double out the wire, so Handler.Validate
// can be exercised against a real icap.Client without a live ICAP server.
type fakeTransport struct {
	headerResponses [][]byte
	bodyToReturn    []byte
}

func (f *fakeTransport) Write(p []byte) (int, error)       { return len(p), nil }
func (f *fakeTransport) WriteString(s string) (int, error) { return len(s), nil }
func (f *fakeTransport) Flush() error                      { return nil }
func (f *fakeTransport) Close() error                      { return nil }

func (f *fakeTransport) ReadUntil(delim []byte, maxBytes int) ([]byte, error) {
	if len(f.headerResponses) == 0 {
		return nil, &icap.IoError{Reason: "fakeTransport: no more scripted responses"}
	}
	next := f.headerResponses[0]
	f.headerResponses = f.headerResponses[1:]
	return next, nil
}

func (f *fakeTransport) PipeBody(sink io.Writer) (int64, error) {
	n, err := sink.Write(f.bodyToReturn)
	return int64(n), err
}

type fakeConnManager struct {
	transport icap.Transport
}

func (m *fakeConnManager) Connect(ctx context.Context, host string, port int, serviceName string, secure bool, connectTimeout, readTimeout time.Duration) (icap.Transport, error) {
	return m.transport, nil
}

func testHandler(ft *fakeTransport) *Handler {
	mgr := &fakeConnManager{transport: ft}
	svc := icap.ServiceInformation{HostName: "icap.example.com", ServicePort: 1344, ServiceName: "avscan"}
	client := icap.New(mgr, svc, icap.WithRemoteServiceConfiguration(&icap.RemoteServiceConfiguration{ServerPreview: 1024, ServerAllow204: true}))
	return NewHandler(client, nil, metrics.New(), zerolog.Nop(), Config{RequestSource: "localhost"})
}

func multipartBody(t *testing.T, fieldName, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer = %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	h := testHandler(&fakeTransport{})
	e := New(h, 1<<20, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q, want it to contain \"ok\"", rec.Body.String())
	}
}

func TestValidate_Clean(t *testing.T) {
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 204 No Content\r\n\r\n"),
		},
	}
	h := testHandler(ft)
	e := New(h, 1<<20, "")

	body, contentType := multipartBody(t, "file", "clean.txt", "hello world")
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"clean"`) {
		t.Errorf("body = %q, want verdict clean", rec.Body.String())
	}
}

func TestValidate_Blocked(t *testing.T) {
	explanation := "Access Denied: EICAR test file detected"
	ft := &fakeTransport{
		headerResponses: [][]byte{
			[]byte("ICAP/1.0 200 OK\r\nX-Virus-Name: Eicar-Test-Signature\r\nEncapsulated: res-hdr=0, res-body=30\r\n\r\n"),
		},
		bodyToReturn: []byte(explanation),
	}
	h := testHandler(ft)
	e := New(h, 1<<20, "")

	body, contentType := multipartBody(t, "file", "payload.exe", "x")
	req := httptest.NewRequest(http.MethodPost, "/v1/validate?mode=RESPMOD", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d, body=%s", rec.Code, http.StatusForbidden, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "threat-found") {
		t.Errorf("body = %q, want verdict threat-found", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), explanation) {
		t.Errorf("body = %q, want explanation %q", rec.Body.String(), explanation)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	h := testHandler(&fakeTransport{})
	e := New(h, 1<<20, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestValidate_InvalidMode(t *testing.T) {
	h := testHandler(&fakeTransport{})
	e := New(h, 1<<20, "")

	body, contentType := multipartBody(t, "file", "f.txt", "x")
	req := httptest.NewRequest(http.MethodPost, "/v1/validate?mode=BOGUS", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
