// Package rediscache is an optional cache backend for deployments
// that want cached records to survive restarts without a snapshot
// file. Expiry is enforced by redis itself, so the in-process sweeper
// has nothing to do here.
package rediscache

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write
	// operations. Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache. A nil Logger
	// will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) init() error {
	if opts.Client == nil {
		return errors.New("nil redis client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type RedisCache struct {
	opts           Opts
	clientDisabled uint32
}

func New(opts Opts) (*RedisCache, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

// disableClient takes the client offline after a transport error and
// starts a ping loop with backoff that re-enables it once redis
// answers again. While disabled every cache op is a silent miss or
// no-op.
func (r *RedisCache) disableClient() {
	if !atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		return
	}
	r.opts.Logger.Warn("redis temporarily disabled")
	go func() {
		const maxBackoff = time.Second * 30
		backoff := time.Millisecond * 100
		for {
			time.Sleep(backoff)
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
			err := r.opts.Client.Ping(ctx).Err()
			cancel()
			if err != nil {
				if backoff >= maxBackoff {
					backoff = maxBackoff
				} else {
					backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
				}
				r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
				continue
			}
			atomic.StoreUint32(&r.clientDisabled, 0)
			r.opts.Logger.Info("redis re-enabled")
			return
		}
	}()
}

func redisKey(k cache.Key) string {
	return dnsmsg.TypeString(k.Type) + "/" + k.Name
}

func (r *RedisCache) Lookup(k cache.Key) (cache.Entry, bool) {
	if r.disabled() {
		return cache.Entry{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, redisKey(k)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return cache.Entry{}, false
	}

	var e cache.Entry
	if err := yaml.Unmarshal(b, &e); err != nil {
		r.opts.Logger.Warn("redis entry unmarshal", zap.Error(err))
		return cache.Entry{}, false
	}
	if !e.Live(time.Now()) {
		return cache.Entry{}, false
	}
	return e, true
}

func (r *RedisCache) Store(k cache.Key, e cache.Entry) {
	if r.disabled() || !dnsmsg.Cacheable(k.Type) {
		return
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return
	}

	b, err := yaml.Marshal(e)
	if err != nil {
		r.opts.Logger.Warn("redis entry marshal", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, redisKey(k), b, ttl).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

// Dump scans the whole keyspace. It is meant for the low-frequency
// operator report, not the query path.
func (r *RedisCache) Dump(f func(cache.Key, cache.Entry)) {
	if r.disabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()

	for typeName, t := range map[string]uint16{
		"A": dnsmsg.TypeA, "NS": dnsmsg.TypeNS, "PTR": dnsmsg.TypePTR, "AAAA": dnsmsg.TypeAAAA,
	} {
		iter := r.opts.Client.Scan(ctx, 0, typeName+"/*", 256).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			b, err := r.opts.Client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var e cache.Entry
			if err := yaml.Unmarshal(b, &e); err != nil {
				continue
			}
			f(cache.Key{Type: t, Name: key[len(typeName)+1:]}, e)
		}
		if err := iter.Err(); err != nil {
			r.opts.Logger.Warn("redis scan", zap.Error(err))
			r.disableClient()
			return
		}
	}
}

func (r *RedisCache) Len() int {
	if r.disabled() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	n, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Warn("redis dbsize", zap.Error(err))
		return 0
	}
	return int(n)
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if c := r.opts.ClientCloser; c != nil {
		return c.Close()
	}
	return nil
}
