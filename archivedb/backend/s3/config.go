package s3

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/util"
)

type Config struct {
	Bucket             string         `yaml:"bucket"`
	Prefix             string         `yaml:"prefix"`
	Endpoint           string         `yaml:"endpoint"`
	Region             string         `yaml:"region"`
	AccessKey          string         `yaml:"access_key"`
	SecretKey          flagext.Secret `yaml:"secret_key"`
	SessionToken       flagext.Secret `yaml:"session_token"`
	Insecure           bool           `yaml:"insecure"`
	InsecureSkipVerify bool           `yaml:"insecure_skip_verify"`
	PartSize           uint64         `yaml:"part_size"`
	HedgeRequestsAt    time.Duration  `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo  int            `yaml:"hedge_requests_up_to"`
	// SignatureV2 configures the object storage to use V2 signing instead of V4
	SignatureV2      bool              `yaml:"signature_v2"`
	ForcePathStyle   bool              `yaml:"forcepathstyle"`
	BucketLookupType int               `yaml:"bucket_lookup_type"`
	Tags             map[string]string `yaml:"tags"`
	StorageClass     string            `yaml:"storage_class"`
	Metadata         map[string]string `yaml:"metadata"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Bucket, util.PrefixConfig(prefix, "s3.bucket"), "", "s3 bucket to store the archive in.")
	f.StringVar(&cfg.Prefix, util.PrefixConfig(prefix, "s3.prefix"), "", "prefix to store all objects under.")
	f.StringVar(&cfg.Endpoint, util.PrefixConfig(prefix, "s3.endpoint"), "", "s3 endpoint to push the archive to.")
	f.StringVar(&cfg.AccessKey, util.PrefixConfig(prefix, "s3.access_key"), "", "s3 access key.")
	f.Var(&cfg.SecretKey, util.PrefixConfig(prefix, "s3.secret_key"), "s3 secret key.")
	f.Var(&cfg.SessionToken, util.PrefixConfig(prefix, "s3.session_token"), "s3 session token.")
	cfg.HedgeRequestsUpTo = 2
}

func (cfg *Config) PathMatches(other *Config) bool {
	return cfg.Bucket == other.Bucket && cfg.Prefix == other.Prefix
}
