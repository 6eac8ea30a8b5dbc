package main

import (
	"github.com/alecthomas/kong"
)

type globalOptions struct {
	ConfigFile string `type:"path" short:"c" help:"Archiver configuration file. Storage settings are read from it unless overridden by flags."`
}

var cli struct {
	globalOptions

	Compact    compactCmd    `cmd:"" help:"Compact one feed partition into a parquet file."`
	CompactDay compactDayCmd `cmd:"" help:"Compact every partition of a feed type for one date."`

	Catalog struct {
		List   catalogListCmd   `cmd:"" help:"Print the flattened feed catalog."`
		Export catalogExportCmd `cmd:"" help:"Write the flattened catalog as a parquet snapshot to the archive."`
	} `cmd:""`

	Inventory inventoryCmd `cmd:"" help:"List a date's compacted partitions with row counts and sizes."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("gtfs-rt-archiver-cli"),
		kong.Description("Operator tooling for the GTFS-Realtime archive: compaction, catalog inspection and inventory."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
