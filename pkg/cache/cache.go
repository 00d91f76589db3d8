// Package cache defines the record cache shared by the resolution
// engine, the sweeper and the reporter.
package cache

import (
	"io"
	"strings"
	"time"

	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

// Key identifies at most one cached entry: a cacheable record type
// plus a domain name. Names are normalized to lower case because DNS
// name comparison is case-insensitive (RFC 1035 §2.3.3).
type Key struct {
	Type uint16
	Name string
}

// NewKey builds a normalized Key.
func NewKey(typ uint16, name string) Key {
	return Key{Type: typ, Name: strings.ToLower(name)}
}

// Entry is one cached answer. The yaml tags are for the snapshot file.
type Entry struct {
	// Data is the record rdata in its text form: an address for
	// A/AAAA, a domain name for NS/PTR.
	Data string `yaml:"data"`

	// Section the record originated from in the upstream response.
	Section dnsmsg.Section `yaml:"section"`

	StoredAt  time.Time `yaml:"stored_at"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// Live reports whether the entry is still usable at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Backend is a concurrency-safe record cache. Implementations must
// tolerate concurrent calls from the serving loop, the sweeper and
// the reporter.
type Backend interface {
	// Lookup returns the entry for k if one exists and has not
	// expired. It must not block and must not mutate the cache.
	Lookup(k Key) (Entry, bool)

	// Store upserts k. Keys of non-cacheable types are a no-op.
	// The most recent store always wins.
	Store(k Key, e Entry)

	// Dump calls f for every live entry. Order is unspecified.
	Dump(f func(Key, Entry))

	// Len returns the number of entries, expired ones included.
	Len() int

	io.Closer
}
