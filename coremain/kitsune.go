package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nsmura/kitsune/mlog"
	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/cache/memcache"
	"github.com/nsmura/kitsune/pkg/cache/rediscache"
	"github.com/nsmura/kitsune/pkg/resolver"
	"github.com/nsmura/kitsune/pkg/server"
	"github.com/nsmura/kitsune/pkg/upstream"
)

// RunKitsune wires the cache, resolver and server together and blocks
// until SIGINT/SIGTERM or a fatal error. On graceful shutdown the mem
// cache is flushed to the snapshot file before exit.
func RunKitsune(cfg *Config) error {
	cfg.Init()

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.Set(lg)

	backend, err := newCacheBackend(cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to init cache backend: %w", err)
	}

	u, err := upstream.NewUDP(cfg.Upstream.Addr)
	if err != nil {
		return err
	}

	fb4, err := parseFallback(cfg.Upstream.FallbackV4)
	if err != nil {
		return fmt.Errorf("invalid fallback_v4: %w", err)
	}
	fb6, err := parseFallback(cfg.Upstream.FallbackV6)
	if err != nil {
		return fmt.Errorf("invalid fallback_v6: %w", err)
	}

	reg := newMetricsReg()
	r, err := resolver.New(resolver.Opts{
		Logger:     lg,
		Cache:      backend,
		Upstream:   u,
		Timeout:    time.Duration(cfg.Upstream.Timeout) * time.Second,
		SynthTTL:   uint32(cfg.Cache.SynthTTL),
		FallbackV4: fb4,
		FallbackV6: fb6,
		Metrics:    resolver.NewMetrics(prometheus.WrapRegistererWithPrefix("kitsune_", reg)),
	})
	if err != nil {
		return fmt.Errorf("failed to init resolver: %w", err)
	}

	pc, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	srv := server.NewServer(server.ServerOpts{Logger: lg, Handler: r})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("server started",
			zap.Stringer("listen", pc.LocalAddr()),
			zap.String("upstream", u.Addr()),
			zap.String("cache", cfg.Cache.Backend))
		if err := srv.ServeUDP(pc); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		lg.Info("shutting down")
		srv.Close()
		return nil
	})

	if cfg.ReportInterval > 0 {
		g.Go(func() error {
			runReporter(ctx, lg, backend, time.Duration(cfg.ReportInterval)*time.Second)
			return nil
		})
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		httpServer := &http.Server{Addr: httpAddr, Handler: mux}

		g.Go(func() error {
			lg.Info("starting api http server", zap.String("addr", httpAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return httpServer.Close()
		})
	}

	runErr := g.Wait()

	if mc, ok := backend.(*memcache.MemCache); ok && len(cfg.Cache.SnapshotFile) > 0 {
		if err := mc.WriteSnapshot(cfg.Cache.SnapshotFile); err != nil {
			lg.Error("failed to write cache snapshot", zap.Error(err))
		} else {
			lg.Info("cache snapshot written", zap.String("file", cfg.Cache.SnapshotFile))
		}
	}
	if err := backend.Close(); err != nil {
		lg.Error("failed to close cache backend", zap.Error(err))
	}
	return runErr
}

func newCacheBackend(cfg *Config, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "mem":
		mc := memcache.New(memcache.Opts{
			SweepInterval: time.Duration(cfg.Cache.SweepInterval) * time.Second,
			Logger:        lg,
		})
		if len(cfg.Cache.SnapshotFile) > 0 {
			// A broken or missing snapshot never blocks startup.
			if err := mc.LoadSnapshot(cfg.Cache.SnapshotFile); err != nil {
				lg.Warn("failed to load cache snapshot", zap.Error(err))
			} else if n := mc.Len(); n > 0 {
				lg.Info("cache snapshot loaded", zap.Int("entries", n))
			}
		}
		return mc, nil
	case "redis":
		if len(cfg.Cache.RedisAddr) == 0 {
			return nil, errors.New("cache backend is redis but redis_addr is empty")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		return rediscache.New(rediscache.Opts{
			Client:       client,
			ClientCloser: client,
			Logger:       lg,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func parseFallback(s string) (netip.Addr, error) {
	if len(s) == 0 {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
