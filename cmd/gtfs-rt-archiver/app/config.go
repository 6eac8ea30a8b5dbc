package app

import (
	"flag"
	"fmt"
	"strconv"

	dslog "github.com/grafana/dskit/log"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend/gcs"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend/local"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend/s3"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/modules/archiver"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/util"
)

const (
	BackendGCS   = "gcs"
	BackendS3    = "s3"
	BackendLocal = "local"

	DefaultHealthPort = 8080
)

// Config is the root config for the archiver daemon.
type Config struct {
	// CatalogPath points at the agencies.yaml feed catalog.
	CatalogPath string `yaml:"catalog_path"`

	Server   ServerConfig    `yaml:"server"`
	Archiver archiver.Config `yaml:"archiver"`
	Storage  StorageConfig   `yaml:"storage"`
	Secrets  SecretsConfig   `yaml:"secrets"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.CatalogPath, "catalog.file", "", "Path to the feed catalog (agencies.yaml).")

	c.Server.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "server"), f)
	c.Archiver.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "archiver"), f)
	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
	c.Secrets.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "secrets"), f)
}

// ApplyEnvOverrides overlays the deployment environment variables onto the
// file config. Container environments drive these knobs, so they win over the
// file. Parse failures abort; range violations surface in Validate.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CONFIG_PATH"); ok {
		c.CatalogPath = v
	}
	if v, ok := lookup("GCS_BUCKET_RT_PROTOBUF"); ok {
		c.Storage.GCS.BucketName = v
	}
	if v, ok := lookup("GCP_PROJECT_ID"); ok {
		c.Secrets.ProjectID = v
	}
	if v, ok := lookup("MAX_CONCURRENT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MAX_CONCURRENT %q: %w", v, err)
		}
		c.Archiver.MaxConcurrent = n
	}
	if v, ok := lookup("HEALTH_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_PORT %q: %w", v, err)
		}
		c.Server.HealthPort = n
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		if err := c.Server.LogLevel.Set(v); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Server.LogFormat = v
	}
	if v, ok := lookup("SHARD_INDEX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SHARD_INDEX %q: %w", v, err)
		}
		c.Archiver.ShardIndex = n
	}
	if v, ok := lookup("TOTAL_SHARDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TOTAL_SHARDS %q: %w", v, err)
		}
		c.Archiver.TotalShards = n
	}
	return nil
}

// Validate runs after file load and env overrides; any violation is fatal at
// startup.
func (c *Config) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required (or set CONFIG_PATH)")
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Archiver.Validate(); err != nil {
		return err
	}
	return c.Storage.Validate()
}

// ServerConfig holds the health/metrics HTTP server and logging settings.
type ServerConfig struct {
	HealthPort int         `yaml:"health_port"`
	LogLevel   dslog.Level `yaml:"log_level"`
	LogFormat  string      `yaml:"log_format"`
}

func (c *ServerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.HealthPort, util.PrefixConfig(prefix, "health-port"), DefaultHealthPort, "Health and metrics listen port.")
	f.StringVar(&c.LogFormat, util.PrefixConfig(prefix, "log-format"), "json", "Log format: json or text.")
	c.LogLevel.RegisterFlags(f)
}

func (c *ServerConfig) Validate() error {
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port %d outside [1, 65535]", c.HealthPort)
	}
	switch c.LogFormat {
	case "json", "text", "logfmt":
		return nil
	}
	return fmt.Errorf("log_format %q must be json or text", c.LogFormat)
}

// StorageConfig selects and configures the archive blob store.
type StorageConfig struct {
	Backend string `yaml:"backend"`

	GCS   *gcs.Config   `yaml:"gcs"`
	S3    *s3.Config    `yaml:"s3"`
	Local *local.Config `yaml:"local"`

	// WriteMetadata controls the .meta sidecar next to each payload.
	WriteMetadata bool `yaml:"write_metadata"`
}

func (c *StorageConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Backend, util.PrefixConfig(prefix, "backend"), BackendGCS, "Archive backend (gcs, s3, local).")
	f.BoolVar(&c.WriteMetadata, util.PrefixConfig(prefix, "write-metadata"), true, "Write a .meta sidecar next to each archived payload.")

	c.GCS = &gcs.Config{}
	c.GCS.RegisterFlagsAndApplyDefaults(prefix, f)

	c.S3 = &s3.Config{}
	c.S3.RegisterFlagsAndApplyDefaults(prefix, f)

	c.Local = &local.Config{}
	c.Local.RegisterFlagsAndApplyDefaults(prefix, f)
}

func (c *StorageConfig) Validate() error {
	switch c.Backend {
	case BackendGCS:
		if c.GCS == nil || c.GCS.BucketName == "" {
			return fmt.Errorf("storage.gcs.bucket_name is required (or set GCS_BUCKET_RT_PROTOBUF)")
		}
	case BackendS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	case BackendLocal:
		if c.Local == nil || c.Local.Path == "" {
			return fmt.Errorf("storage.local.path is required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	return nil
}

// Build opens the configured backend.
func (c *StorageConfig) Build() (backend.RawReader, backend.RawWriter, error) {
	switch c.Backend {
	case BackendGCS:
		return gcs.New(c.GCS)
	case BackendS3:
		return s3.New(c.S3)
	case BackendLocal:
		return local.New(c.Local)
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", c.Backend)
}

// SecretsConfig configures auth secret resolution.
type SecretsConfig struct {
	// ProjectID is the GCP project secrets resolve from. Required only when
	// the catalog references secrets.
	ProjectID string `yaml:"gcp_project_id"`
}

func (c *SecretsConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.ProjectID, util.PrefixConfig(prefix, "gcp-project-id"), "", "GCP project feed auth secrets are resolved from.")
}
