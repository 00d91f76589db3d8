package resolver

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/cache/memcache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
	"github.com/nsmura/kitsune/pkg/upstream"
)

type exchangeFunc func(ctx context.Context, query []byte) ([]byte, error)

func (f exchangeFunc) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	return f(ctx, query)
}

func newTestCache(t *testing.T) *memcache.MemCache {
	t.Helper()
	c := memcache.New(memcache.Opts{SweepInterval: -1})
	t.Cleanup(func() { c.Close() })
	return c
}

func newResolver(t *testing.T, c cache.Backend, ex exchangeFunc, opts Opts) *Resolver {
	t.Helper()
	opts.Cache = c
	opts.Upstream = ex
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func packQuery(t *testing.T, id uint16, name string, qtype uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Id = id
	raw, err := q.Pack()
	require.NoError(t, err)
	return raw
}

func packReply(t *testing.T, query []byte, rrs ...string) []byte {
	t.Helper()
	q := new(dns.Msg)
	require.NoError(t, q.Unpack(query))
	r := new(dns.Msg)
	r.SetReply(q)
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		r.Answer = append(r.Answer, rr)
	}
	raw, err := r.Pack()
	require.NoError(t, err)
	return raw
}

func TestServeDNS_CacheHitShortCircuitsUpstream(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.Store(cache.NewKey(dnsmsg.TypeA, "example.test"), cache.Entry{
		Data:      "93.184.216.34",
		Section:   dnsmsg.SectionAnswer,
		StoredAt:  now,
		ExpiresAt: now.Add(time.Minute),
	})

	var calls int32
	r := newResolver(t, c, func(ctx context.Context, q []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, upstream.ErrUnavailable
	}, Opts{SynthTTL: 120})

	resp := r.ServeDNS(context.Background(), packQuery(t, 7, "example.test.", dns.TypeA))
	require.NotNil(t, resp)
	assert.Zero(t, atomic.LoadInt32(&calls), "a live cache entry must never reach the upstream")

	m, err := dnsmsg.ParseMsg(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), m.Header.ID)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "93.184.216.34", m.Answer[0].Data)
	assert.Equal(t, uint32(120), m.Answer[0].TTL)
}

func TestServeDNS_CaseInsensitiveHit(t *testing.T) {
	c := newTestCache(t)
	now := time.Now()
	c.Store(cache.NewKey(dnsmsg.TypeA, "EXAMPLE.test"), cache.Entry{
		Data: "93.184.216.34", StoredAt: now, ExpiresAt: now.Add(time.Minute),
	})

	r := newResolver(t, c, func(ctx context.Context, q []byte) ([]byte, error) {
		t.Error("unexpected upstream exchange")
		return nil, upstream.ErrUnavailable
	}, Opts{})

	resp := r.ServeDNS(context.Background(), packQuery(t, 1, "example.TEST.", dns.TypeA))
	require.NotNil(t, resp)
}

func TestServeDNS_MissForwardsVerbatimAndPopulates(t *testing.T) {
	c := newTestCache(t)

	query := packQuery(t, 42, "example.test.", dns.TypeA)
	reply := packReply(t, query,
		"example.test. 300 IN A 93.184.216.34",
		"example.test. 300 IN A 93.184.216.35",
		`example.test. 60 IN TXT "ignored"`,
	)

	r := newResolver(t, c, func(ctx context.Context, q []byte) ([]byte, error) {
		assert.Equal(t, query, q, "query bytes must be relayed unmodified")
		return reply, nil
	}, Opts{})

	resp := r.ServeDNS(context.Background(), query)
	assert.Equal(t, reply, resp, "multi-answer upstream responses are relayed verbatim")

	// Only the A records were cached; last one wins on the shared key.
	e, ok := c.Lookup(cache.NewKey(dnsmsg.TypeA, "example.test"))
	require.True(t, ok)
	assert.Equal(t, "93.184.216.35", e.Data)
	assert.Equal(t, 1, c.Len())
}

func TestServeDNS_PopulatesFromAllSections(t *testing.T) {
	c := newTestCache(t)

	query := packQuery(t, 42, "example.test.", dns.TypeA)
	q := new(dns.Msg)
	require.NoError(t, q.Unpack(query))
	reply := new(dns.Msg)
	reply.SetReply(q)
	mk := func(s string) dns.RR {
		rr, err := dns.NewRR(s)
		require.NoError(t, err)
		return rr
	}
	reply.Answer = []dns.RR{mk("example.test. 300 IN A 93.184.216.34")}
	reply.Ns = []dns.RR{mk("example.test. 3600 IN NS ns1.example.test.")}
	reply.Extra = []dns.RR{mk("ns1.example.test. 3600 IN A 93.184.216.1")}
	rawReply, err := reply.Pack()
	require.NoError(t, err)

	r := newResolver(t, c, func(ctx context.Context, q []byte) ([]byte, error) {
		return rawReply, nil
	}, Opts{})
	require.NotNil(t, r.ServeDNS(context.Background(), query))

	e, ok := c.Lookup(cache.NewKey(dnsmsg.TypeNS, "example.test"))
	require.True(t, ok)
	assert.Equal(t, "ns1.example.test", e.Data)
	assert.Equal(t, dnsmsg.SectionAuthority, e.Section)

	e, ok = c.Lookup(cache.NewKey(dnsmsg.TypeA, "ns1.example.test"))
	require.True(t, ok)
	assert.Equal(t, dnsmsg.SectionAdditional, e.Section)
}

func TestServeDNS_TimeoutFallback(t *testing.T) {
	r := newResolver(t, newTestCache(t), func(ctx context.Context, q []byte) ([]byte, error) {
		// An upstream that never replies: block until the resolver's
		// own deadline fires.
		<-ctx.Done()
		return nil, upstream.ErrTimeout
	}, Opts{
		Timeout:    time.Millisecond * 50,
		SynthTTL:   30,
		FallbackV4: netip.MustParseAddr("198.51.100.53"),
	})

	start := time.Now()
	resp := r.ServeDNS(context.Background(), packQuery(t, 9, "example.test.", dns.TypeA))
	assert.Less(t, time.Since(start), time.Second, "fallback must arrive within the configured bound")

	require.NotNil(t, resp)
	m, err := dnsmsg.ParseMsg(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), m.Header.ID)
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "198.51.100.53", m.Answer[0].Data)
}

func TestServeDNS_FallbackWithoutAddressIsServfail(t *testing.T) {
	r := newResolver(t, newTestCache(t), func(ctx context.Context, q []byte) ([]byte, error) {
		return nil, upstream.ErrUnavailable
	}, Opts{FallbackV4: netip.MustParseAddr("198.51.100.53")})

	// AAAA query, but only a v4 fallback is configured.
	resp := r.ServeDNS(context.Background(), packQuery(t, 3, "example.test.", dns.TypeAAAA))
	require.NotNil(t, resp)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(resp))
	assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
	assert.Empty(t, m.Answer)
}

func TestServeDNS_UnsupportedTypeFallbackIsNotimp(t *testing.T) {
	r := newResolver(t, newTestCache(t), func(ctx context.Context, q []byte) ([]byte, error) {
		return nil, upstream.ErrTimeout
	}, Opts{})

	resp := r.ServeDNS(context.Background(), packQuery(t, 3, "example.test.", dns.TypeTXT))
	require.NotNil(t, resp)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(resp))
	assert.Equal(t, dns.RcodeNotImplemented, m.Rcode)
}

func TestServeDNS_MalformedQueryDropped(t *testing.T) {
	r := newResolver(t, newTestCache(t), func(ctx context.Context, q []byte) ([]byte, error) {
		t.Error("malformed queries must not reach the upstream")
		return nil, upstream.ErrUnavailable
	}, Opts{})

	assert.Nil(t, r.ServeDNS(context.Background(), []byte{1, 2, 3, 4, 5}))
	assert.Nil(t, r.ServeDNS(context.Background(), nil))
}

func TestServeDNS_CoalescesIdenticalMisses(t *testing.T) {
	var calls int32
	gate := make(chan struct{})

	query1 := packQuery(t, 0x1111, "example.test.", dns.TypeA)
	reply := packReply(t, query1, "example.test. 300 IN A 93.184.216.34")

	r := newResolver(t, newTestCache(t), func(ctx context.Context, q []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return reply, nil
	}, Opts{})

	const n = 8
	ids := make([]uint16, n)
	resps := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ids[i] = uint16(0x1000 + i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i] = r.ServeDNS(context.Background(), packQuery(t, ids[i], "example.test.", dns.TypeA))
		}(i)
	}
	time.Sleep(time.Millisecond * 50) // let the goroutines pile up on the gate
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "identical in-flight misses must share one exchange")
	for i := 0; i < n; i++ {
		require.NotNil(t, resps[i])
		m, err := dnsmsg.ParseMsg(resps[i])
		require.NoError(t, err)
		assert.Equal(t, ids[i], m.Header.ID, "every caller gets its own query ID back")
	}
}
