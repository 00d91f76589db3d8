package memcache

import (
	"fmt"
	"os"
	"time"

	"github.com/golang/snappy"
	"gopkg.in/yaml.v3"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

// The snapshot file is a snappy-compressed yaml document mapping
// record type name -> domain name -> entry. Nothing but this package
// is expected to read it.

var snapshotTypes = map[string]uint16{
	"A":    dnsmsg.TypeA,
	"NS":   dnsmsg.TypeNS,
	"PTR":  dnsmsg.TypePTR,
	"AAAA": dnsmsg.TypeAAAA,
}

// WriteSnapshot serializes the whole cache to path. Expired entries
// are dropped on the way out.
func (c *MemCache) WriteSnapshot(path string) error {
	now := time.Now()
	dump := make(map[string]map[string]cache.Entry, len(c.maps))
	for t, tm := range c.maps {
		entries := make(map[string]cache.Entry)
		tm.mu.RLock()
		for name, e := range tm.m {
			if e.Live(now) {
				entries[name] = e
			}
		}
		tm.mu.RUnlock()
		dump[dnsmsg.TypeString(t)] = entries
	}

	b, err := yaml.Marshal(dump)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, snappy.Encode(nil, b), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores entries from path. A missing file is not an
// error: the cache simply starts empty. Entries that expired while
// the process was down are skipped.
func (c *MemCache) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	b, err := snappy.Decode(nil, raw)
	if err != nil {
		return fmt.Errorf("decompress snapshot: %w", err)
	}
	dump := make(map[string]map[string]cache.Entry)
	if err := yaml.Unmarshal(b, &dump); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}

	now := time.Now()
	for typeName, entries := range dump {
		t, ok := snapshotTypes[typeName]
		if !ok {
			continue
		}
		for name, e := range entries {
			if e.Live(now) {
				c.Store(cache.NewKey(t, name), e)
			}
		}
	}
	return nil
}
