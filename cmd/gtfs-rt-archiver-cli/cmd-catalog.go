package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/parquet-go/parquet-go"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

type catalogListCmd struct {
	Catalog string `type:"path" help:"Feed catalog file. Defaults to the config file's catalog_path."`

	TotalShards int `help:"Annotate each feed with its owning shard out of this many." default:"1"`
	ShardIndex  int `help:"Mark feeds owned by this shard." default:"-1"`
}

func (cmd *catalogListCmd) Run(g *globalOptions) error {
	specs, err := loadCatalog(cmd.Catalog, g)
	if err != nil {
		return err
	}

	header := table.Row{"feed id", "type", "agency", "system", "interval", "timeout", "auth", "url"}
	if cmd.TotalShards > 1 {
		header = append(header, "shard")
	}
	if cmd.ShardIndex >= 0 {
		header = append(header, "owned")
	}

	x := table.NewWriter()
	x.AppendHeader(header)

	for i := range specs {
		s := &specs[i]

		auth := ""
		if s.Auth != nil {
			auth = string(s.Auth.Type)
		}

		row := table.Row{s.ID, s.FeedType, s.AgencyID, s.SystemID, s.IntervalSeconds, s.TimeoutSeconds, auth, s.URL}
		if cmd.TotalShards > 1 {
			row = append(row, catalog.Shard(s.ID, cmd.TotalShards))
		}
		if cmd.ShardIndex >= 0 {
			owned := ""
			if s.OwnedBy(cmd.ShardIndex, cmd.TotalShards) {
				owned = "Y"
			}
			row = append(row, owned)
		}
		x.AppendRow(row)
	}

	footer := make(table.Row, len(header))
	footer[0] = strconv.Itoa(len(specs)) + " feeds"
	x.AppendFooter(footer)

	fmt.Println(x.Render())
	return nil
}

// feedRow is one flattened feed in a catalog export. Daily exports let
// downstream joins recover the catalog as it stood on any archive date.
type feedRow struct {
	Date            string `parquet:"date,zstd,dict"`
	FeedID          string `parquet:"feed_id,zstd,dict"`
	FeedType        string `parquet:"feed_type,zstd,dict"`
	URL             string `parquet:"url,zstd"`
	AgencyID        string `parquet:"agency_id,zstd,dict"`
	AgencyName      string `parquet:"agency_name,zstd,dict"`
	SystemID        string `parquet:"system_id,zstd,dict"`
	SystemName      string `parquet:"system_name,zstd,dict"`
	FeedName        string `parquet:"feed_name,zstd"`
	IntervalSeconds int32  `parquet:"interval_seconds,zstd"`
	TimeoutSeconds  int32  `parquet:"timeout_seconds,zstd"`
	AuthType        string `parquet:"auth_type,zstd,dict"`
	ShardTotal      int32  `parquet:"shard_total,zstd"`
	ShardIndex      int32  `parquet:"shard_index,zstd"`
	ExportedAtMs    int64  `parquet:"exported_at,zstd"`
}

type catalogExportCmd struct {
	Date string `arg:"" help:"UTC date the export is filed under (YYYY-MM-DD)."`

	Catalog     string `type:"path" help:"Feed catalog file. Defaults to the config file's catalog_path."`
	TotalShards int    `help:"Shard count recorded in the export." default:"1"`

	backendOptions
}

func (cmd *catalogExportCmd) Run(g *globalOptions) error {
	if err := parseDate(cmd.Date); err != nil {
		return err
	}

	specs, err := loadCatalog(cmd.Catalog, g)
	if err != nil {
		return err
	}

	_, w, err := loadBackend(&cmd.backendOptions, g)
	if err != nil {
		return err
	}

	exportedAt := time.Now().UTC().UnixMilli()
	rows := make([]feedRow, 0, len(specs))
	for i := range specs {
		s := &specs[i]

		auth := ""
		if s.Auth != nil {
			auth = string(s.Auth.Type)
		}

		rows = append(rows, feedRow{
			Date:            cmd.Date,
			FeedID:          s.ID,
			FeedType:        string(s.FeedType),
			URL:             s.URL,
			AgencyID:        s.AgencyID,
			AgencyName:      s.AgencyName,
			SystemID:        s.SystemID,
			SystemName:      s.SystemName,
			FeedName:        s.Name,
			IntervalSeconds: int32(s.IntervalSeconds),
			TimeoutSeconds:  int32(s.TimeoutSeconds),
			AuthType:        auth,
			ShardTotal:      int32(cmd.TotalShards),
			ShardIndex:      int32(catalog.Shard(s.ID, cmd.TotalShards)),
			ExportedAtMs:    exportedAt,
		})
	}

	// A catalog is a few hundred rows at most, so the whole file is encoded
	// in memory and written in one shot.
	buf := &bytes.Buffer{}
	pw := parquet.NewGenericWriter[feedRow](buf)
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("encoding catalog export: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("encoding catalog export: %w", err)
	}

	keypath := backend.KeyPath{"feeds", "date=" + cmd.Date}
	if err := w.Write(context.Background(), "feeds.parquet", keypath, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return fmt.Errorf("writing catalog export: %w", err)
	}

	fmt.Printf("exported %d feeds to %s\n", len(rows), backend.ObjectFileName(keypath, "feeds.parquet"))
	return nil
}
