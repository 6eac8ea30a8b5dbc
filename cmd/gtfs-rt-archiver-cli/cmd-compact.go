package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/grafana/dskit/concurrency"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/compaction"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

type compactCmd struct {
	FeedType string `arg:"" help:"Feed type to compact (vehicle_positions, trip_updates, service_alerts)."`
	Date     string `arg:"" help:"UTC date to compact (YYYY-MM-DD)."`
	URL      string `arg:"" help:"Feed url naming the partition."`

	RowGroupRows int `help:"Rows per parquet row group." default:"100000"`

	backendOptions
}

func (cmd *compactCmd) Run(g *globalOptions) error {
	feedType, err := catalog.ParseFeedType(cmd.FeedType)
	if err != nil {
		return err
	}
	if err := parseDate(cmd.Date); err != nil {
		return err
	}

	r, w, err := loadBackend(&cmd.backendOptions, g)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	comp := compaction.New(compaction.Config{RowGroupRows: cmd.RowGroupRows}, r, w, cliLogger(), prometheus.NewRegistry())

	partition := compaction.NewPartitionKey(feedType, cmd.Date, cmd.URL)
	res, err := comp.Compact(context.Background(), partition)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d objects in, %d rows out\n", partition, res.InputObjects, res.Rows)
	return nil
}

type compactDayCmd struct {
	FeedType string `arg:"" help:"Feed type to compact (vehicle_positions, trip_updates, service_alerts)."`
	Date     string `arg:"" help:"UTC date to compact (YYYY-MM-DD)."`

	Parallelism  int `help:"Partitions compacted concurrently." default:"4"`
	RowGroupRows int `help:"Rows per parquet row group." default:"100000"`

	backendOptions
}

func (cmd *compactDayCmd) Run(g *globalOptions) error {
	feedType, err := catalog.ParseFeedType(cmd.FeedType)
	if err != nil {
		return err
	}
	if err := parseDate(cmd.Date); err != nil {
		return err
	}

	r, w, err := loadBackend(&cmd.backendOptions, g)
	if err != nil {
		return err
	}
	defer r.Shutdown()

	ctx := context.Background()
	comp := compaction.New(compaction.Config{RowGroupRows: cmd.RowGroupRows}, r, w, cliLogger(), prometheus.NewRegistry())

	partitions, err := comp.Partitions(ctx, feedType, cmd.Date)
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		fmt.Printf("no %s partitions found for %s\n", feedType, cmd.Date)
		return nil
	}

	var (
		mtx   sync.Mutex
		total compaction.Result
	)
	err = concurrency.ForEachJob(ctx, len(partitions), cmd.Parallelism, func(ctx context.Context, idx int) error {
		partition := partitions[idx]
		res, err := comp.Compact(ctx, partition)
		if err != nil {
			return fmt.Errorf("partition %s: %w", partition, err)
		}

		mtx.Lock()
		total.InputObjects += res.InputObjects
		total.Rows += res.Rows
		mtx.Unlock()

		fmt.Printf("%s: %d objects in, %d rows out\n", partition, res.InputObjects, res.Rows)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("compacted %d partitions: %d objects in, %d rows out\n", len(partitions), total.InputObjects, total.Rows)
	return nil
}
