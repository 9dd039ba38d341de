// Package store keeps an audit trail of validate() calls: timestamp, mode,
// resource name, verdict, duration, and a JSON snapshot of the response
// headers. A security-relevant client in production always needs a
// queryable record of what was blocked and why; this is that record,
// backed by gorm over the pure-Go glebarez/sqlite driver (no cgo).
package store

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"

	"icap-client/icap"
)

// Record is one audited validate() call.
type Record struct {
	ID          uint `gorm:"primarykey"`
	Timestamp   time.Time
	Mode        string
	Resource    string
	Verdict     string
	Explanation string
	DurationMS  int64
	StatusCode  int
	// HeadersJSON is a flexible snapshot of the response HeaderInformation,
	// stored as a JSON object mapping header name to its first value.
	// gjson/sjson (rather than a fixed column per header) let the schema
	// absorb whatever vendor headers a given adaptation service returns,
	// without a migration per dialect.
	HeadersJSON string
}

// Store is the audit trail.
type Store struct {
	db *gorm.DB
}

// Open migrates and returns a Store backed by the sqlite database at dsn.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("store: dsn is required")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append records one validate() outcome. headers may be nil (e.g. on a
// transport failure before any ICAP response was parsed).
func (s *Store) Append(now time.Time, mode, resource, verdict, explanation string, duration time.Duration, headers *icap.HeaderInformation) error {
	rec := Record{
		Timestamp:   now,
		Mode:        mode,
		Resource:    resource,
		Verdict:     verdict,
		Explanation: explanation,
		DurationMS:  duration.Milliseconds(),
	}
	if headers != nil {
		rec.StatusCode = headers.Status
		rec.HeadersJSON = headersToJSON(headers)
	}
	return s.db.Create(&rec).Error
}

// Recent returns the n most recent records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var out []Record
	err := s.db.Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

// HeaderValue extracts one header's first value out of a Record's
// HeadersJSON snapshot without unmarshaling the whole blob into a struct.
func HeaderValue(rec Record, name string) string {
	return gjson.Get(rec.HeadersJSON, gjsonPath(name)).String()
}

func headersToJSON(h *icap.HeaderInformation) string {
	json := "{}"
	for _, name := range h.Names() {
		var err error
		json, err = sjson.Set(json, gjsonPath(name), h.Get(name))
		if err != nil {
			continue
		}
	}
	return json
}

// gjsonPath escapes a header name for use as a flat gjson/sjson object key:
// dots would otherwise be read as nested-path separators.
func gjsonPath(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			out = append(out, '\\', '.')
			continue
		}
		out = append(out, name[i])
	}
	return string(out)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
