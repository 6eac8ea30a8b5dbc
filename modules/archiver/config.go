package archiver

import (
	"flag"
	"fmt"
	"time"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/util"
)

const (
	// DefaultMaxConcurrent bounds in-flight fetch+upload pipelines.
	DefaultMaxConcurrent = 100

	minMaxConcurrent = 1
	maxMaxConcurrent = 500
)

type Config struct {
	// MaxConcurrent is the global ceiling on in-flight pipelines across all
	// feeds.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ShardIndex / TotalShards split the catalog across replicas. A feed is
	// handled here iff md5(feed id) mod TotalShards == ShardIndex.
	ShardIndex  int `yaml:"shard_index"`
	TotalShards int `yaml:"total_shards"`

	// MisfireGrace is how late a coalesced tick may still run. Ticks older
	// than this are dropped, never queued.
	MisfireGrace time.Duration `yaml:"misfire_grace"`

	// DrainTimeout bounds the wait for in-flight pipelines at shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrent, util.PrefixConfig(prefix, "max-concurrent"), DefaultMaxConcurrent, "Maximum concurrent fetch+upload pipelines.")
	f.IntVar(&cfg.ShardIndex, util.PrefixConfig(prefix, "shard-index"), 0, "Index of this replica when the catalog is sharded.")
	f.IntVar(&cfg.TotalShards, util.PrefixConfig(prefix, "total-shards"), 1, "Total replicas the catalog is sharded across.")

	cfg.MisfireGrace = 5 * time.Second
	cfg.DrainTimeout = 30 * time.Second
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrent < minMaxConcurrent || cfg.MaxConcurrent > maxMaxConcurrent {
		return fmt.Errorf("max_concurrent %d outside [%d, %d]", cfg.MaxConcurrent, minMaxConcurrent, maxMaxConcurrent)
	}
	if cfg.TotalShards < 1 {
		return fmt.Errorf("total_shards %d must be at least 1", cfg.TotalShards)
	}
	if cfg.ShardIndex < 0 || cfg.ShardIndex >= cfg.TotalShards {
		return fmt.Errorf("shard_index %d outside [0, %d)", cfg.ShardIndex, cfg.TotalShards)
	}
	return nil
}
