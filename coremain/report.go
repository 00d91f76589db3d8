package coremain

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/nsmura/kitsune/pkg/cache"
	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

// runReporter periodically logs the cache contents: one line per live
// entry plus a summary. Read-only; it never touches the query path.
func runReporter(ctx context.Context, lg *zap.Logger, backend cache.Backend, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := 0
			backend.Dump(func(k cache.Key, e cache.Entry) {
				n++
				lg.Info("cache entry",
					zap.String("domain", displayName(k.Name)),
					zap.String("type", dnsmsg.TypeString(k.Type)),
					zap.String("data", e.Data),
					zap.Stringer("section", e.Section),
					zap.Time("expires_at", e.ExpiresAt))
			})
			lg.Info("cache report", zap.Int("entries", n))
		}
	}
}

// displayName renders punycode labels back to Unicode for the log.
// Names that fail to convert are shown as received.
func displayName(name string) string {
	u, err := idna.ToUnicode(name)
	if err != nil {
		return name
	}
	return u
}
