package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"time"
)

// entryRecord 是条目的持久化形态，所有驱动共用。
type entryRecord struct {
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   int64 // unix nanoseconds
}

func encodeEntry(e *Entry) ([]byte, error) {
	rec := entryRecord{
		Method:     e.Key.Method,
		URL:        e.Key.URL,
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		StoredAt:   e.StoredAt.UnixNano(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Entry, error) {
	var rec entryRecord
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	header := rec.Header
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		Key:        Key{Method: rec.Method, URL: rec.URL},
		StatusCode: rec.StatusCode,
		Header:     header,
		Body:       rec.Body,
		StoredAt:   time.Unix(0, rec.StoredAt).UTC(),
	}, nil
}
