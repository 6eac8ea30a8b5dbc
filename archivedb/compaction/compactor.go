// Package compaction rolls one day of archived protobuf snapshots for one
// feed into a single columnar file. Each partition run is independent and
// stateless: enumerate the day's payload objects, decode and flatten them in
// key order, stream row groups to the destination, and publish the file only
// once every input has been consumed.
package compaction

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	archiver_io "github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/io"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/util"
	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/parquet-go/parquet-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultRowGroupRows bounds how many rows are buffered in memory before
	// a row group is cut.
	DefaultRowGroupRows = 100_000

	// flushSize is the minimum encoded bytes accumulated before a backend
	// append. Parts below ~5 MiB are rejected by S3 multipart uploads; 30 MB
	// keeps parts comfortably large without holding a whole day in memory.
	flushSize = 30_000_000

	pageBufferSize = 10_000_000
)

type Config struct {
	RowGroupRows int `yaml:"row_group_rows"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.RowGroupRows, util.PrefixConfig(prefix, "row-group-rows"), DefaultRowGroupRows, "Rows per parquet row group in compacted output.")
}

// PartitionKey names one unit of compaction: a feed type, a UTC date and a
// feed key (the canonical URL with its scheme folded away). Partition state
// lives in the orchestrator; the compactor holds none between runs.
type PartitionKey struct {
	FeedType catalog.FeedType
	Date     string
	FeedKey  string
}

// NewPartitionKey builds a key from the feed's canonical URL.
func NewPartitionKey(feedType catalog.FeedType, date, url string) PartitionKey {
	return PartitionKey{
		FeedType: feedType,
		Date:     date,
		FeedKey:  archivedb.FeedKeyForURL(url),
	}
}

// URL reconstructs the canonical feed URL for this partition.
func (p PartitionKey) URL() string {
	return archivedb.URLForFeedKey(p.FeedKey)
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", p.FeedType, p.Date, p.FeedKey)
}

// Result reports what one partition run consumed and produced.
type Result struct {
	InputObjects int
	Rows         int
}

type Compactor struct {
	cfg    Config
	r      backend.RawReader
	w      backend.RawWriter
	logger log.Logger

	metricObjects      *prometheus.CounterVec
	metricDecodeErrors *prometheus.CounterVec
	metricRows         *prometheus.CounterVec
}

func New(cfg Config, r backend.RawReader, w backend.RawWriter, logger log.Logger, reg prometheus.Registerer) *Compactor {
	if cfg.RowGroupRows <= 0 {
		cfg.RowGroupRows = DefaultRowGroupRows
	}

	return &Compactor{
		cfg:    cfg,
		r:      r,
		w:      w,
		logger: logger,
		metricObjects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_compaction_objects_total",
			Help: "Archived protobuf objects read during compaction.",
		}, []string{"feed_type"}),
		metricDecodeErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_compaction_decode_errors_total",
			Help: "Archived protobuf objects skipped because they did not decode.",
		}, []string{"feed_type"}),
		metricRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs_rt_compaction_rows_total",
			Help: "Rows written to compacted parquet files.",
		}, []string{"feed_type"}),
	}
}

// Compact runs one partition: every archived payload for the partition's
// feed and date becomes rows in a single parquet file at the compacted key.
// A payload that fails to decode is skipped, never fatal. When no rows come
// out the destination is left untouched.
func (c *Compactor) Compact(ctx context.Context, partition PartitionKey) (Result, error) {
	inputs, err := c.listInputs(ctx, partition)
	if err != nil {
		return Result{}, fmt.Errorf("listing inputs for partition %s: %w", partition, err)
	}

	level.Info(c.logger).Log("msg", "compacting partition", "feed_type", partition.FeedType, "date", partition.Date, "feed", partition.FeedKey, "objects", len(inputs))

	if len(inputs) == 0 {
		return Result{}, nil
	}

	switch partition.FeedType {
	case catalog.VehiclePositions:
		return compactRows(ctx, c, partition, inputs, vehiclePositionRows)
	case catalog.TripUpdates:
		return compactRows(ctx, c, partition, inputs, tripUpdateRows)
	case catalog.ServiceAlerts:
		return compactRows(ctx, c, partition, inputs, serviceAlertRows)
	default:
		return Result{}, fmt.Errorf("unknown feed type %q", partition.FeedType)
	}
}

// Partitions discovers the partitions present in the archive for one feed
// type and date by collecting the distinct encoded feed URLs under the date
// folder. Results are ordered by feed key.
func (c *Compactor) Partitions(ctx context.Context, feedType catalog.FeedType, date string) ([]PartitionKey, error) {
	var (
		seen       = map[string]struct{}{}
		partitions []PartitionKey
	)
	err := c.r.Find(ctx, backend.KeyPath{string(feedType), "date=" + date}, func(m backend.FindMatch) {
		enc, ok := encodedURLFromKey(m.Key)
		if !ok {
			return
		}
		if _, dup := seen[enc]; dup {
			return
		}
		seen[enc] = struct{}{}

		url, err := archivedb.DecodeFeedURL(enc)
		if err != nil {
			level.Warn(c.logger).Log("msg", "skipping folder with undecodable feed url", "key", m.Key, "err", err)
			return
		}
		partitions = append(partitions, NewPartitionKey(feedType, date, url))
	})
	if err != nil {
		return nil, fmt.Errorf("discovering partitions for %s on %s: %w", feedType, date, err)
	}

	sort.Slice(partitions, func(i, j int) bool { return partitions[i].FeedKey < partitions[j].FeedKey })
	return partitions, nil
}

// listInputs returns the partition's payload keys in lexicographic order,
// which for archive keys is temporal order.
func (c *Compactor) listInputs(ctx context.Context, partition PartitionKey) ([]string, error) {
	var (
		folder = "/base64url=" + archivedb.EncodeFeedURL(partition.URL()) + "/"
		inputs []string
	)
	err := c.r.Find(ctx, backend.KeyPath{string(partition.FeedType), "date=" + partition.Date}, func(m backend.FindMatch) {
		if strings.Contains(m.Key, folder) && strings.HasSuffix(m.Key, archivedb.PayloadSuffix) {
			inputs = append(inputs, m.Key)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(inputs)
	return inputs, nil
}

func (c *Compactor) readInput(ctx context.Context, key string) ([]byte, error) {
	segments := strings.Split(key, "/")
	name := segments[len(segments)-1]
	keypath := backend.KeyPath(segments[:len(segments)-1])

	rc, size, err := c.r.Read(ctx, name, keypath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return archiver_io.ReadAllWithEstimate(rc, size)
}

// encodedURLFromKey pulls the base64url= segment out of an archive key.
func encodedURLFromKey(key string) (string, bool) {
	const marker = "/base64url="
	i := strings.Index(key, marker)
	if i < 0 {
		return "", false
	}
	rest := key[i+len(marker):]
	j := strings.IndexByte(rest, '/')
	if j <= 0 {
		return "", false
	}
	return rest[:j], true
}

func compactRows[T any](ctx context.Context, c *Compactor, partition PartitionKey, inputs []string, flatten flattenFunc[T]) (Result, error) {
	var (
		feedType = string(partition.FeedType)
		feedURL  = partition.URL()
		res      = Result{InputObjects: len(inputs)}
	)

	w := newStreamingWriter[T](ctx, c.w, partition, c.cfg.RowGroupRows)

	for _, key := range inputs {
		if err := ctx.Err(); err != nil {
			w.abandon(ctx)
			return Result{}, err
		}

		body, err := c.readInput(ctx, key)
		if err != nil {
			w.abandon(ctx)
			return Result{}, fmt.Errorf("reading %s: %w", key, err)
		}
		c.metricObjects.WithLabelValues(feedType).Inc()

		feed := &gtfs.FeedMessage{}
		if err := proto.Unmarshal(body, feed); err != nil {
			level.Warn(c.logger).Log("msg", "skipping object that did not decode", "key", key, "err", err)
			c.metricDecodeErrors.WithLabelValues(feedType).Inc()
			continue
		}

		rows := flatten(feed, key, feedURL)
		if len(rows) == 0 {
			continue
		}

		if err := w.write(rows); err != nil {
			w.abandon(ctx)
			return Result{}, fmt.Errorf("writing rows from %s: %w", key, err)
		}
		res.Rows += len(rows)
	}

	// An all-empty partition produces no file: the writers were never
	// flushed, so the destination was never touched.
	if res.Rows == 0 {
		level.Info(c.logger).Log("msg", "no rows extracted, skipping output", "feed_type", partition.FeedType, "date", partition.Date, "feed", partition.FeedKey)
		return res, nil
	}

	if err := w.complete(); err != nil {
		w.abandon(ctx)
		return Result{}, fmt.Errorf("completing output for partition %s: %w", partition, err)
	}

	c.metricRows.WithLabelValues(feedType).Add(float64(res.Rows))
	level.Info(c.logger).Log("msg", "compacted partition", "feed_type", partition.FeedType, "date", partition.Date, "feed", partition.FeedKey, "objects", res.InputObjects, "rows", res.Rows)
	return res, nil
}

// streamingWriter encodes rows into row groups and appends the encoding to
// the destination object. The object is not visible until complete returns;
// backends with atomic appends guarantee readers never observe a partial
// file.
type streamingWriter[T any] struct {
	obj *backendWriter
	bw  archiver_io.BufferedWriteFlusher
	pw  *parquet.GenericWriter[T]

	groupRows   int
	rowsInGroup int
}

func newStreamingWriter[T any](ctx context.Context, to backend.RawWriter, partition PartitionKey, groupRows int) *streamingWriter[T] {
	obj := &backendWriter{
		ctx:     ctx,
		w:       to,
		name:    archivedb.CompactedObjectName,
		keypath: archivedb.KeyPathForCompacted(partition.FeedType, partition.Date, partition.URL()),
	}
	bw := archiver_io.NewBufferedWriter(obj)
	sch := parquet.SchemaOf(new(T))
	pw := parquet.NewGenericWriter[T](bw, sch, &parquet.WriterConfig{PageBufferSize: pageBufferSize})

	return &streamingWriter[T]{
		obj:       obj,
		bw:        bw,
		pw:        pw,
		groupRows: groupRows,
	}
}

func (w *streamingWriter[T]) write(rows []T) error {
	if _, err := w.pw.Write(rows); err != nil {
		return err
	}
	w.rowsInGroup += len(rows)
	if w.rowsInGroup < w.groupRows {
		return nil
	}

	// Cut the row group here; push to the backend only once enough encoded
	// bytes accumulate to make a well-sized append.
	if err := w.pw.Flush(); err != nil {
		return err
	}
	w.rowsInGroup = 0

	if w.bw.Len() < flushSize {
		return nil
	}
	return w.bw.Flush()
}

func (w *streamingWriter[T]) complete() error {
	// Close writes the final row group and the parquet footer.
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.bw.Close(); err != nil {
		return err
	}
	return w.obj.Close()
}

// abandon drops an errored write without completing the append, so object
// stores never publish the partial file. Filesystem backends write in
// place; scrub whatever reached disk.
func (w *streamingWriter[T]) abandon(ctx context.Context) {
	_ = w.obj.abort(ctx)
}

// backendWriter is an io.WriteCloser that turns each Write into a backend
// append against the destination object.
type backendWriter struct {
	ctx     context.Context
	w       backend.RawWriter
	name    string
	keypath backend.KeyPath
	tracker backend.AppendTracker
}

var _ io.WriteCloser = (*backendWriter)(nil)

func (b *backendWriter) Write(p []byte) (n int, err error) {
	b.tracker, err = b.w.Append(b.ctx, b.name, b.keypath, b.tracker, p)
	return len(p), err
}

func (b *backendWriter) Close() error {
	if b.tracker == nil {
		return nil
	}
	return b.w.CloseAppend(b.ctx, b.tracker)
}

func (b *backendWriter) abort(ctx context.Context) error {
	if b.tracker == nil {
		return nil
	}
	return b.w.Delete(ctx, b.name, b.keypath)
}
