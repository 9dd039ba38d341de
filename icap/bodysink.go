package icap

import (
	"bytes"
	"io"
	"os"
)

// spillThreshold is the default in-memory cap before a bodySink spills to a
// temp file. Verdict-explanation bodies are normally a few hundred bytes of
// vendor block-page text; anything larger is almost certainly a modified
// payload the caller asked for, not an explanation, so disk is fine there.
const spillThreshold = 64 * 1024

// TempFileProvider supplies scratch files for response bodies that exceed
// the in-memory spill threshold. The default implementation uses
// os.CreateTemp; callers embedding this client in a larger service may
// supply their own (e.g. routed to a scratch volume).
type TempFileProvider interface {
	Create(namePattern string) (*os.File, error)
}

type osTempFileProvider struct{}

func (osTempFileProvider) Create(namePattern string) (*os.File, error) {
	return os.CreateTemp("", namePattern)
}

// DefaultTempFileProvider is the provider used when a Client is built
// without an explicit one.
var DefaultTempFileProvider TempFileProvider = osTempFileProvider{}

// bodySink is a scoped sink for the body the adaptation engine receives:
// it behaves like an in-memory buffer up to spillThreshold bytes, then
// spills to a temp file from provider. It implements io.Writer so it can
// sit behind an io.MultiWriter alongside the output digest hasher.
type bodySink struct {
	provider TempFileProvider
	pattern  string

	mem     bytes.Buffer
	file    *os.File
	written int64
}

func newBodySink(provider TempFileProvider, namePattern string) *bodySink {
	if provider == nil {
		provider = DefaultTempFileProvider
	}
	return &bodySink{provider: provider, pattern: namePattern}
}

func (s *bodySink) Write(p []byte) (int, error) {
	if s.file == nil && int64(s.mem.Len())+int64(len(p)) > spillThreshold {
		f, err := s.provider.Create(s.pattern)
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(s.mem.Bytes()); err != nil {
			f.Close()
			return 0, err
		}
		s.mem.Reset()
		s.file = f
	}

	var n int
	var err error
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.written += int64(n)
	return n, err
}

// Len returns the number of bytes written so far.
func (s *bodySink) Len() int64 { return s.written }

// Bytes returns the full content written so far. For a spilled sink this
// reads the temp file back from the start; callers should treat this as a
// one-time read for explanation-extraction purposes only.
func (s *bodySink) Bytes() ([]byte, error) {
	if s.file == nil {
		return s.mem.Bytes(), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(s.file)
}

// Close releases the temp file, if any, deleting it regardless of verdict.
// Deletion failures are swallowed; the caller's filesystem cleanup is
// assumed as a backstop.
func (s *bodySink) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	_ = s.file.Close()
	_ = os.Remove(name)
	return nil
}
