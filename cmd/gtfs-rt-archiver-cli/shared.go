package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v2"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/cmd/gtfs-rt-archiver/app"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

type backendOptions struct {
	Backend   string `help:"Archive backend (gcs, s3, local). Overrides the config file."`
	Bucket    string `help:"Bucket (or path for the local backend) holding the archive."`
	Endpoint  string `help:"Object store endpoint, for s3 or a gcs emulator."`
	AccessKey string `help:"s3 access key."`
	SecretKey string `help:"s3 secret key."`
	Insecure  bool   `help:"Disable TLS on backend requests."`
}

// loadBackend opens the archive bucket from the config file, with any
// backend flags layered on top.
func loadBackend(b *backendOptions, g *globalOptions) (backend.RawReader, backend.RawWriter, error) {
	cfg := app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})

	if g.ConfigFile != "" {
		buff, err := os.ReadFile(g.ConfigFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read configFile %s: %w", g.ConfigFile, err)
		}
		if err := yaml.UnmarshalStrict(buff, &cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse configFile %s: %w", g.ConfigFile, err)
		}
	}

	if b.Backend != "" {
		cfg.Storage.Backend = b.Backend
	}
	if b.Bucket != "" {
		cfg.Storage.GCS.BucketName = b.Bucket
		cfg.Storage.S3.Bucket = b.Bucket
		cfg.Storage.Local.Path = b.Bucket
	}
	if b.Endpoint != "" {
		cfg.Storage.GCS.Endpoint = b.Endpoint
		cfg.Storage.S3.Endpoint = b.Endpoint
	}
	if b.AccessKey != "" {
		cfg.Storage.S3.AccessKey = b.AccessKey
	}
	if b.SecretKey != "" {
		cfg.Storage.S3.SecretKey = flagext.SecretWithValue(b.SecretKey)
	}
	if b.Insecure {
		cfg.Storage.GCS.Insecure = true
		cfg.Storage.S3.Insecure = true
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg.Storage.Build()
}

// loadCatalog resolves the catalog file for the catalog subcommands: an
// explicit --catalog wins, otherwise the config file's catalog_path.
func loadCatalog(catalogFile string, g *globalOptions) ([]catalog.FeedSpec, error) {
	if catalogFile == "" && g.ConfigFile != "" {
		cfg := app.Config{}
		cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})

		buff, err := os.ReadFile(g.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", g.ConfigFile, err)
		}
		if err := yaml.UnmarshalStrict(buff, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", g.ConfigFile, err)
		}
		catalogFile = cfg.CatalogPath
	}
	if catalogFile == "" {
		return nil, fmt.Errorf("no catalog file: pass --catalog or a config file with catalog_path set")
	}

	return catalog.Load(catalogFile)
}

func parseDate(s string) error {
	if _, err := time.Parse(archivedb.DateFormat, s); err != nil {
		return fmt.Errorf("invalid date %q, expected %s: %w", s, archivedb.DateFormat, err)
	}
	return nil
}

// cliLogger writes logfmt to stderr so stdout stays clean for tables and
// JSON output.
func cliLogger() log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
}

// backendReaderAt adapts ranged backend reads to io.ReaderAt so parquet
// footers can be read without downloading whole objects.
type backendReaderAt struct {
	ctx     context.Context
	r       backend.RawReader
	name    string
	keypath backend.KeyPath
}

func (b backendReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := b.r.ReadRange(b.ctx, b.name, b.keypath, uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
