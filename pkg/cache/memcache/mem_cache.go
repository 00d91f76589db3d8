package memcache

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

const defaultSweepInterval = time.Minute

var nopLogger = zap.NewNop()

// typeMap is one per-type map with its own lock, so updates to
// different record types never contend.
type typeMap struct {
	mu sync.RWMutex
	m  map[string]cache.Entry
}

// MemCache keeps four independent maps, one per cacheable record
// type. Expired entries are left in place by Lookup and removed by
// the background sweeper.
type MemCache struct {
	closed         uint32
	closeSweepChan chan struct{}
	logger         *zap.Logger

	maps map[uint16]*typeMap
}

type Opts struct {
	// SweepInterval between two expiry sweeps. Default is 1 minute.
	// A negative interval disables the sweeper (tests).
	SweepInterval time.Duration

	// Logger for sweep reporting. Nil disables logging.
	Logger *zap.Logger
}

func New(opts Opts) *MemCache {
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	c := &MemCache{
		closeSweepChan: make(chan struct{}),
		logger:         opts.Logger,
		maps:           make(map[uint16]*typeMap, 4),
	}
	for _, t := range [...]uint16{dnsmsg.TypeA, dnsmsg.TypeNS, dnsmsg.TypePTR, dnsmsg.TypeAAAA} {
		c.maps[t] = &typeMap{m: make(map[string]cache.Entry)}
	}

	if opts.SweepInterval > 0 {
		go c.startSweeper(opts.SweepInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close stops the sweeper. It does not write a snapshot; that is the
// owner's call via WriteSnapshot before Close.
func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeSweepChan)
	}
	return nil
}

func (c *MemCache) Lookup(k cache.Key) (cache.Entry, bool) {
	tm, ok := c.maps[k.Type]
	if !ok || c.isClosed() {
		return cache.Entry{}, false
	}

	tm.mu.RLock()
	e, ok := tm.m[k.Name]
	tm.mu.RUnlock()
	if !ok || !e.Live(time.Now()) {
		// Expired entries are a miss but stay put until the sweeper
		// gets to them; Lookup stays read-only.
		return cache.Entry{}, false
	}
	return e, true
}

func (c *MemCache) Store(k cache.Key, e cache.Entry) {
	tm, ok := c.maps[k.Type]
	if !ok || c.isClosed() {
		return
	}

	tm.mu.Lock()
	tm.m[k.Name] = e
	tm.mu.Unlock()
}

func (c *MemCache) Dump(f func(cache.Key, cache.Entry)) {
	now := time.Now()
	for t, tm := range c.maps {
		tm.mu.RLock()
		for name, e := range tm.m {
			if e.Live(now) {
				f(cache.Key{Type: t, Name: name}, e)
			}
		}
		tm.mu.RUnlock()
	}
}

func (c *MemCache) Len() int {
	n := 0
	for _, tm := range c.maps {
		tm.mu.RLock()
		n += len(tm.m)
		tm.mu.RUnlock()
	}
	return n
}

// Sweep removes every expired entry from all four maps and returns
// how many were removed.
func (c *MemCache) Sweep() int {
	now := time.Now()
	removed := 0
	for _, tm := range c.maps {
		tm.mu.Lock()
		for name, e := range tm.m {
			if !e.Live(now) {
				delete(tm.m, name)
				removed++
			}
		}
		tm.mu.Unlock()
	}
	return removed
}

func (c *MemCache) startSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeSweepChan:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", zap.Int("removed", n), zap.Int("remaining", c.Len()))
			}
		}
	}
}
