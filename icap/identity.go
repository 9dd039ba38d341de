package icap

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// createRequestIdentifier returns a short per-request correlation tag used
// to prefix log lines and temp-file names: a hash of now|mode|sourceRequest,
// uppercase hex, suffixed with " - ". Uniqueness is best-effort; a
// collision only affects which log lines and temp files appear to
// correlate, never correctness.
func createRequestIdentifier(now time.Time, mode, sourceRequest string) string {
	h := fnv.New32a()
	h.Write([]byte(now.Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(mode))
	h.Write([]byte{'|'})
	h.Write([]byte(sourceRequest))
	return strings.ToUpper(strconv.FormatUint(uint64(h.Sum32()), 16)) + " - "
}
