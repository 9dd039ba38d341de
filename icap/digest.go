package icap

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// newMessageDigest returns the hasher used for both directions: SHA-256,
// hex-encoded lowercase, computed in one pass. There is no algorithm knob;
// a client and the adaptation services it talks to must agree out of band
// anyway.
func newMessageDigest() hash.Hash {
	return sha256.New()
}

func digestHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// digestingReader tees every byte read from r into h, so the input digest
// can be computed across both the preview and remainder read stages
// without buffering the resource twice.
type digestingReader struct {
	r io.Reader
	h hash.Hash
}

func newDigestingReader(r io.Reader, h hash.Hash) *digestingReader {
	return &digestingReader{r: r, h: h}
}

func (d *digestingReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
	}
	return n, err
}
