package coremain

import (
	"github.com/nsmura/kitsune/mlog"
)

type Config struct {
	Log mlog.LogConfig `yaml:"log"`

	// Listen is the UDP "host:port" the proxy serves on.
	Listen string `yaml:"listen"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`

	// ReportInterval (sec) between two cache content dumps in the
	// log. Zero disables the reporter.
	ReportInterval uint `yaml:"report_interval"`

	API APIConfig `yaml:"api"`
}

type UpstreamConfig struct {
	// Addr is the single upstream resolver, "host:port".
	Addr string `yaml:"addr"`

	// Timeout (sec) for one upstream exchange. Default is 5.
	Timeout uint `yaml:"timeout"`

	// FallbackV4/FallbackV6 are synthesized into A/AAAA answers when
	// the upstream does not reply in time. Empty disables the
	// fallback for that family (SERVFAIL instead).
	FallbackV4 string `yaml:"fallback_v4"`
	FallbackV6 string `yaml:"fallback_v6"`
}

type CacheConfig struct {
	// Backend, "mem" (default) or "redis".
	Backend string `yaml:"backend"`

	// RedisAddr, required when Backend is "redis".
	RedisAddr string `yaml:"redis_addr"`

	// SweepInterval (sec) between two expiry sweeps. Default is 60.
	// mem backend only; redis expires entries natively.
	SweepInterval uint `yaml:"sweep_interval"`

	// SnapshotFile persists the mem cache across restarts: loaded at
	// startup, written at graceful shutdown. Empty disables it.
	SnapshotFile string `yaml:"snapshot_file"`

	// SynthTTL is the TTL (sec) stamped on synthesized answers.
	// Default is 300.
	SynthTTL uint `yaml:"synth_ttl"`
}

type APIConfig struct {
	// HTTP enables the metrics/pprof endpoint on this addr.
	HTTP string `yaml:"http"`
}

func setDefaultStr(p *string, def string) {
	if len(*p) == 0 {
		*p = def
	}
}

func setDefaultUint(p *uint, def uint) {
	if *p == 0 {
		*p = def
	}
}

func (c *Config) Init() {
	setDefaultStr(&c.Listen, ":53")
	setDefaultStr(&c.Upstream.Addr, "8.8.8.8:53")
	setDefaultUint(&c.Upstream.Timeout, 5)
	setDefaultStr(&c.Cache.Backend, "mem")
	setDefaultUint(&c.Cache.SweepInterval, 60)
	setDefaultUint(&c.Cache.SynthTTL, 300)
}
