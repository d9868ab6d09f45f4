// Package cache implements the named, versioned cache buckets that back the
// offline proxy. A Store owns any number of buckets keyed by Identity; only the
// current identity is written to, every other one is garbage collected during
// activation. Buckets map a normalized request (method + URL) to a fully
// buffered response. Four drivers share the same gob entry codec: the default
// fs driver (temp file + rename per entry), leveldb, sqlite and an in-memory
// driver used by tests. All drivers are safe for concurrent use and never
// expose a partially written entry.
package cache
