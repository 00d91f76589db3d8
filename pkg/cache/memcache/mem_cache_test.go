package memcache

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

func liveEntry(data string, ttl time.Duration) cache.Entry {
	now := time.Now()
	return cache.Entry{
		Data:      data,
		Section:   dnsmsg.SectionAnswer,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func Test_memCache(t *testing.T) {
	c := New(Opts{SweepInterval: -1})
	defer c.Close()

	k := cache.NewKey(dnsmsg.TypeA, "example.test")
	c.Store(k, liveEntry("93.184.216.34", time.Minute))

	e, ok := c.Lookup(k)
	if !ok || e.Data != "93.184.216.34" {
		t.Fatal("expected a hit with the stored data")
	}

	// Last insert wins regardless of TTL ordering.
	c.Store(k, liveEntry("198.51.100.1", time.Second))
	e, ok = c.Lookup(k)
	if !ok || e.Data != "198.51.100.1" {
		t.Fatal("expected the most recently inserted entry")
	}
	if c.Len() != 1 {
		t.Fatalf("want exactly one entry per (type, name), got %d", c.Len())
	}
}

func Test_memCache_caseInsensitiveKeys(t *testing.T) {
	c := New(Opts{SweepInterval: -1})
	defer c.Close()

	c.Store(cache.NewKey(dnsmsg.TypeA, "Example.TEST"), liveEntry("93.184.216.34", time.Minute))
	if _, ok := c.Lookup(cache.NewKey(dnsmsg.TypeA, "example.test")); !ok {
		t.Fatal("lookup must not depend on the query's letter case")
	}
	if c.Len() != 1 {
		t.Fatal("differently-cased names must share one entry")
	}
}

func Test_memCache_nonCacheableType(t *testing.T) {
	c := New(Opts{SweepInterval: -1})
	defer c.Close()

	c.Store(cache.NewKey(16 /* TXT */, "example.test"), liveEntry("hello", time.Minute))
	if c.Len() != 0 {
		t.Fatal("non-cacheable types must be a no-op")
	}
}

func Test_memCache_expiry(t *testing.T) {
	c := New(Opts{SweepInterval: -1})
	defer c.Close()

	k := cache.NewKey(dnsmsg.TypeAAAA, "example.test")
	c.Store(k, liveEntry("2606:2800:220:1::1", -time.Second))

	if _, ok := c.Lookup(k); ok {
		t.Fatal("expired entry must be a miss")
	}
	// Lookup is read-only: the entry physically remains until a sweep.
	if c.Len() != 1 {
		t.Fatal("lookup must not remove expired entries")
	}
	if n := c.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d entries, want 1", n)
	}
	if c.Len() != 0 {
		t.Fatal("sweep must remove expired entries")
	}
}

func Test_memCache_sweeper(t *testing.T) {
	c := New(Opts{SweepInterval: time.Millisecond * 10})
	defer c.Close()

	for _, name := range []string{"a.test", "b.test", "c.test"} {
		c.Store(cache.NewKey(dnsmsg.TypeA, name), liveEntry("198.51.100.1", -time.Second))
	}

	time.Sleep(time.Millisecond * 100)
	if c.Len() != 0 {
		t.Fatal("sweeper did not remove expired entries")
	}
}

func Test_memCache_snapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.snapshot")

	c := New(Opts{SweepInterval: -1})
	c.Store(cache.NewKey(dnsmsg.TypeA, "example.test"), liveEntry("93.184.216.34", time.Hour))
	c.Store(cache.NewKey(dnsmsg.TypePTR, "4.3.2.1.in-addr.arpa"), liveEntry("host.example.test", time.Hour))
	c.Store(cache.NewKey(dnsmsg.TypeNS, "stale.test"), liveEntry("ns1.stale.test", -time.Second))
	if err := c.WriteSnapshot(path); err != nil {
		t.Fatal(err)
	}
	c.Close()

	r := New(Opts{SweepInterval: -1})
	defer r.Close()
	if err := r.LoadSnapshot(path); err != nil {
		t.Fatal(err)
	}

	e, ok := r.Lookup(cache.NewKey(dnsmsg.TypeA, "example.test"))
	if !ok || e.Data != "93.184.216.34" {
		t.Fatal("A entry did not survive the snapshot")
	}
	e, ok = r.Lookup(cache.NewKey(dnsmsg.TypePTR, "4.3.2.1.in-addr.arpa"))
	if !ok || e.Data != "host.example.test" {
		t.Fatal("PTR entry did not survive the snapshot")
	}
	if r.Len() != 2 {
		t.Fatalf("expired entries must not be restored, got %d entries", r.Len())
	}
}

func Test_memCache_snapshotMissingFile(t *testing.T) {
	c := New(Opts{SweepInterval: -1})
	defer c.Close()

	if err := c.LoadSnapshot(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing snapshot must not be an error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("cache must start empty")
	}
}

func Test_memCache_race(t *testing.T) {
	c := New(Opts{SweepInterval: time.Millisecond})
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 256; j++ {
				k := cache.NewKey(dnsmsg.TypeA, "example.test")
				c.Store(k, liveEntry("198.51.100.1", time.Millisecond*time.Duration(j%8)))
				c.Lookup(k)
				c.Dump(func(cache.Key, cache.Entry) {})
				c.Sweep()
			}
		}()
	}
	wg.Wait()
}
