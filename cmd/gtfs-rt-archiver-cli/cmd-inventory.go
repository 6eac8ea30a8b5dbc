package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/parquet-go/parquet-go"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	archiver_io "github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/io"
)

const footerBufferSize = 512 * 1024

type inventoryCmd struct {
	Date string `arg:"" help:"UTC date to inventory (YYYY-MM-DD)."`

	JSON bool `help:"Emit machine-readable JSON instead of a table."`

	backendOptions
}

// inventoryEntry is one compacted partition. The JSON form feeds downstream
// orchestration, so field names are stable.
type inventoryEntry struct {
	FeedType string `json:"feed_type"`
	URL      string `json:"url"`
	Object   string `json:"object"`
	Rows     int64  `json:"rows"`
	Bytes    int64  `json:"bytes"`
}

func (cmd *inventoryCmd) Run(g *globalOptions) error {
	if err := parseDate(cmd.Date); err != nil {
		return err
	}

	r, _, err := loadBackend(&cmd.backendOptions, g)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	ctx := context.Background()

	entries, err := collectInventory(ctx, r, cmd.Date)
	if err != nil {
		return err
	}

	if cmd.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	x := table.NewWriter()
	x.AppendHeader(table.Row{"type", "feed", "object", "rows", "size"})

	var totalRows, totalBytes int64
	for _, e := range entries {
		x.AppendRow(table.Row{e.FeedType, e.URL, e.Object, e.Rows, humanize.Bytes(uint64(e.Bytes))})
		totalRows += e.Rows
		totalBytes += e.Bytes
	}
	x.AppendFooter(table.Row{"", fmt.Sprintf("%d partitions", len(entries)), "", totalRows, humanize.Bytes(uint64(totalBytes))})

	fmt.Println(x.Render())
	return nil
}

// collectInventory lists every compacted object for the date and reads each
// parquet footer for its row count.
func collectInventory(ctx context.Context, r backend.RawReader, date string) ([]inventoryEntry, error) {
	var entries []inventoryEntry

	for _, feedType := range catalog.AllFeedTypes() {
		var matches []backend.FindMatch
		err := r.Find(ctx, backend.KeyPath{string(feedType), "date=" + date}, func(m backend.FindMatch) {
			if strings.HasSuffix(m.Key, "/"+archivedb.CompactedObjectName) {
				matches = append(matches, m)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s partitions: %w", feedType, err)
		}

		for _, m := range matches {
			parsed, err := archivedb.ParseCompactedKey(m.Key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping unparseable key %s: %v\n", m.Key, err)
				continue
			}

			rows, err := compactedRowCount(ctx, r, parsed, m.Size)
			if err != nil {
				return nil, fmt.Errorf("reading footer of %s: %w", m.Key, err)
			}

			entries = append(entries, inventoryEntry{
				FeedType: string(parsed.FeedType),
				URL:      parsed.FeedURL,
				Object:   m.Key,
				Rows:     rows,
				Bytes:    m.Size,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FeedType != entries[j].FeedType {
			return entries[i].FeedType < entries[j].FeedType
		}
		return entries[i].URL < entries[j].URL
	})
	return entries, nil
}

func compactedRowCount(ctx context.Context, r backend.RawReader, key archivedb.CompactedKey, size int64) (int64, error) {
	ra := backendReaderAt{
		ctx:     ctx,
		r:       r,
		name:    archivedb.CompactedObjectName,
		keypath: archivedb.KeyPathForCompacted(key.FeedType, key.Date, key.FeedURL),
	}
	// Buffer ranged reads so the footer and row group metadata come back in
	// a handful of requests.
	buffered := archiver_io.NewBufferedReaderAt(ra, size, footerBufferSize, 2)

	pf, err := parquet.OpenFile(buffered, size, parquet.SkipPageIndex(true))
	if err != nil {
		return 0, err
	}
	return pf.NumRows(), nil
}
