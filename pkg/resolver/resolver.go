// Package resolver implements the per-query decision procedure:
// answer from the cache, forward to the upstream, or synthesize a
// fallback when the upstream stays silent.
package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
	"github.com/nsmura/kitsune/pkg/upstream"
)

const (
	defaultTimeout  = time.Second * 5
	defaultSynthTTL = 300
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Logger optionally specifies a logger. Nil disables logging.
	Logger *zap.Logger

	// Cache cannot be nil.
	Cache cache.Backend

	// Upstream cannot be nil.
	Upstream upstream.Exchanger

	// Timeout bounds one upstream exchange. Default is 5s. There is
	// never a retry: one attempt, then the fallback.
	Timeout time.Duration

	// SynthTTL is the TTL stamped on every synthesized answer.
	// Default is 300.
	SynthTTL uint32

	// FallbackV4/FallbackV6 are the addresses synthesized into A and
	// AAAA answers when the upstream fails. An unset address means
	// SERVFAIL for that family instead.
	FallbackV4 netip.Addr
	FallbackV6 netip.Addr

	// Metrics optionally specifies the counters to update. Nil
	// creates unregistered ones.
	Metrics *Metrics
}

func (opts *Opts) init() error {
	if opts.Cache == nil {
		return errors.New("nil cache backend")
	}
	if opts.Upstream == nil {
		return errors.New("nil upstream")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.SynthTTL == 0 {
		opts.SynthTTL = defaultSynthTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return nil
}

type Resolver struct {
	opts Opts

	// coalesces concurrent identical cache misses into one upstream
	// exchange.
	sf singleflight.Group
}

func New(opts Opts) (*Resolver, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Resolver{opts: opts}, nil
}

// ServeDNS handles one raw inbound query and returns the raw response
// to send back, or nil when the query must be dropped. It never
// returns an error to the transport: every failure is resolved here
// into a response or a drop.
func (r *Resolver) ServeDNS(ctx context.Context, raw []byte) []byte {
	r.opts.Metrics.Queries.Inc()

	h, err := dnsmsg.ParseHeader(raw)
	if err == nil && h.QDCount == 0 {
		err = dnsmsg.ErrMalformedPacket
	}
	var q dnsmsg.Question
	if err == nil {
		q, _, err = dnsmsg.ParseQuestion(raw, 12)
	}
	if err != nil {
		r.opts.Metrics.Malformed.Inc()
		r.opts.Logger.Debug("dropping unparseable query", zap.Error(err), zap.Int("len", len(raw)))
		return nil
	}

	if dnsmsg.Cacheable(q.Type) {
		if e, ok := r.opts.Cache.Lookup(cache.NewKey(q.Type, q.Name)); ok {
			resp, err := dnsmsg.AnswerResponse(raw, e.Data, r.opts.SynthTTL)
			if err == nil {
				r.opts.Metrics.CacheHits.Inc()
				r.opts.Logger.Debug("cache hit",
					zap.String("name", q.Name),
					zap.String("type", dnsmsg.TypeString(q.Type)))
				return resp
			}
			// A cached entry the encoder rejects is useless; forward
			// as if it were a miss.
			r.opts.Logger.Warn("cached entry not encodable", zap.String("name", q.Name), zap.Error(err))
		}
	}

	r.opts.Metrics.CacheMisses.Inc()
	resp, err := r.forward(ctx, q, raw)
	if err != nil {
		return r.fallback(q, raw, err)
	}
	// The coalesced exchange may have been keyed to another caller's
	// query; restore this caller's ID.
	out := make([]byte, len(resp))
	copy(out, resp)
	binary.BigEndian.PutUint16(out[:2], h.ID)
	return out
}

// forward relays the raw query bytes unmodified and populates the
// cache from whatever comes back. Concurrent misses for the same
// (name, type, class) share a single exchange.
func (r *Resolver) forward(ctx context.Context, q dnsmsg.Question, raw []byte) ([]byte, error) {
	if !dnsmsg.Cacheable(q.Type) {
		return r.exchange(ctx, raw)
	}

	key := q.Name + "|" + strconv.Itoa(int(q.Type)) + "|" + strconv.Itoa(int(q.Class))
	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return r.exchange(ctx, raw)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Resolver) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	resp, err := r.opts.Upstream.Exchange(ctx, raw)
	if err != nil {
		return nil, err
	}
	r.populate(resp)
	return resp, nil
}

// populate inserts every cacheable record of every section. A
// response this codec cannot fully parse is still relayed verbatim,
// it just contributes nothing to the cache.
func (r *Resolver) populate(resp []byte) {
	m, err := dnsmsg.ParseMsg(resp)
	if err != nil {
		r.opts.Logger.Debug("upstream response not parseable, relaying as-is", zap.Error(err))
		return
	}

	now := time.Now()
	m.Records(func(rec dnsmsg.Record, sec dnsmsg.Section) {
		if !dnsmsg.Cacheable(rec.Type) || len(rec.Data) == 0 {
			return
		}
		r.opts.Cache.Store(cache.NewKey(rec.Type, rec.Name), cache.Entry{
			Data:      rec.Data,
			Section:   sec,
			StoredAt:  now,
			ExpiresAt: now.Add(time.Duration(rec.TTL) * time.Second),
		})
	})
}

// fallback synthesizes a local response after an upstream failure:
// the configured fallback address for A/AAAA, NOTIMP for query types
// the encoder cannot answer, SERVFAIL otherwise.
func (r *Resolver) fallback(q dnsmsg.Question, raw []byte, cause error) []byte {
	r.opts.Metrics.UpstreamErrors.Inc()
	r.opts.Logger.Warn("upstream exchange failed",
		zap.String("name", q.Name),
		zap.String("type", dnsmsg.TypeString(q.Type)),
		zap.Error(cause))

	if !dnsmsg.Cacheable(q.Type) {
		return r.rcode(raw, dnsmsg.RcodeNotImplemented)
	}

	var addr netip.Addr
	switch q.Type {
	case dnsmsg.TypeA:
		addr = r.opts.FallbackV4
	case dnsmsg.TypeAAAA:
		addr = r.opts.FallbackV6
	}
	if !addr.IsValid() {
		return r.rcode(raw, dnsmsg.RcodeServerFailure)
	}

	resp, err := dnsmsg.AnswerResponse(raw, addr.String(), r.opts.SynthTTL)
	if err != nil {
		r.opts.Logger.Error("fallback synthesis failed", zap.Error(err))
		return r.rcode(raw, dnsmsg.RcodeServerFailure)
	}
	r.opts.Metrics.Fallbacks.Inc()
	return resp
}

func (r *Resolver) rcode(raw []byte, rcode int) []byte {
	resp, err := dnsmsg.RcodeResponse(raw, rcode)
	if err != nil {
		r.opts.Logger.Debug("rcode response synthesis failed", zap.Error(err))
		return nil
	}
	return resp
}
