package gcs

import (
	"flag"
	"time"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/util"
)

type Config struct {
	BucketName         string            `yaml:"bucket_name"`
	Prefix             string            `yaml:"prefix"`
	ChunkBufferSize    int               `yaml:"chunk_buffer_size"`
	Endpoint           string            `yaml:"endpoint"`
	Insecure           bool              `yaml:"insecure"`
	HedgeRequestsAt    time.Duration     `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo  int               `yaml:"hedge_requests_up_to"`
	ObjectCacheControl string            `yaml:"object_cache_control"`
	ObjectMetadata     map[string]string `yaml:"object_metadata"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BucketName, util.PrefixConfig(prefix, "gcs.bucket"), "", "gcs bucket to store the archive in.")
	f.StringVar(&cfg.Prefix, util.PrefixConfig(prefix, "gcs.prefix"), "", "prefix to store all objects under.")
	cfg.ChunkBufferSize = 10 * 1024 * 1024
	cfg.HedgeRequestsUpTo = 2
}

func (cfg *Config) PathMatches(other *Config) bool {
	return cfg.BucketName == other.BucketName && cfg.Prefix == other.Prefix
}
