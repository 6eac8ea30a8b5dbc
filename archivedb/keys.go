// Package archivedb owns the archive's object layout: the hive-partitioned
// key scheme raw payloads are written under, the JSON sidecar that travels
// with each payload, and the writer that uploads both.
package archivedb

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

const (
	// PayloadSuffix is the extension of archived GTFS-Realtime payloads.
	PayloadSuffix = ".pb"
	// MetaSuffix is the extension of the JSON sidecar next to each payload.
	MetaSuffix = ".meta"
	// CompactedObjectName is the single parquet file a compacted partition
	// is written to.
	CompactedObjectName = "data.parquet"
)

const (
	// DateFormat is the layout of the date= partition folder.
	DateFormat = "2006-01-02"

	hourTimeFormat = "2006-01-02T15:04:05Z"

	// objectTimeFormat keeps a fixed millisecond width so lexicographic key
	// order matches fetch order.
	objectTimeFormat = "2006-01-02T15:04:05.000Z"

	// httpFeedPrefix marks plain-http feeds in a feed key. https is the
	// overwhelmingly common case and stays bare.
	httpFeedPrefix = "~"
)

// EncodeFeedURL returns the base64url form of a feed URL as used in the
// base64url= partition folder: URL-safe alphabet, padding stripped. Callers
// must pass the configured URL without any auth query parameters so secrets
// never reach object keys and paths survive secret rotation.
func EncodeFeedURL(url string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(url))
}

// DecodeFeedURL reverses EncodeFeedURL.
func DecodeFeedURL(encoded string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding feed url %q: %w", encoded, err)
	}
	return string(b), nil
}

// FeedKeyForURL converts a feed URL to its partition key form: the scheme is
// stripped, and plain-http URLs gain a "~" prefix so the mapping stays
// bijective.
func FeedKeyForURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return httpFeedPrefix + strings.TrimPrefix(url, "http://")
	}
	return url
}

// URLForFeedKey reverses FeedKeyForURL.
func URLForFeedKey(key string) string {
	if strings.HasPrefix(key, httpFeedPrefix) {
		return "http://" + strings.TrimPrefix(key, httpFeedPrefix)
	}
	return "https://" + key
}

// KeyPathForFetch returns the folder levels a payload fetched from url at
// fetchTime lives under: feed type, date and hour partitions, then the
// encoded feed URL.
func KeyPathForFetch(feedType catalog.FeedType, url string, fetchTime time.Time) backend.KeyPath {
	t := fetchTime.UTC()
	return backend.KeyPath{
		string(feedType),
		"date=" + t.Format(DateFormat),
		"hour=" + t.Truncate(time.Hour).Format(hourTimeFormat),
		"base64url=" + EncodeFeedURL(url),
	}
}

// ObjectNameForFetch returns the payload file name for a fetch start time,
// millisecond precision, always UTC.
func ObjectNameForFetch(fetchTime time.Time) string {
	return fetchTime.UTC().Format(objectTimeFormat) + PayloadSuffix
}

// MetaNameForFetch returns the sidecar file name for a fetch start time.
func MetaNameForFetch(fetchTime time.Time) string {
	return fetchTime.UTC().Format(objectTimeFormat) + MetaSuffix
}

// ObjectKeyForFetch returns the full payload key for one fetch.
func ObjectKeyForFetch(feedType catalog.FeedType, url string, fetchTime time.Time) string {
	keypath := KeyPathForFetch(feedType, url, fetchTime)
	return path.Join(append(keypath, ObjectNameForFetch(fetchTime))...)
}

// KeyPathForCompacted returns the folder a partition's compacted parquet
// file is written under. Note there is no hour level: compaction folds a
// whole day.
func KeyPathForCompacted(feedType catalog.FeedType, date, url string) backend.KeyPath {
	return backend.KeyPath{
		string(feedType),
		"date=" + date,
		"base64url=" + EncodeFeedURL(url),
	}
}

// ObjectKey is the parsed form of an archived payload's key.
type ObjectKey struct {
	FeedType  catalog.FeedType
	FeedURL   string
	FetchTime time.Time
}

// ParseObjectKey parses a full payload key back into its parts.
func ParseObjectKey(key string) (ObjectKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 {
		return ObjectKey{}, fmt.Errorf("malformed object key %q: expected 5 segments, got %d", key, len(parts))
	}

	feedType, err := catalog.ParseFeedType(parts[0])
	if err != nil {
		return ObjectKey{}, fmt.Errorf("malformed object key %q: %w", key, err)
	}

	for i, prefix := range []string{"date=", "hour=", "base64url="} {
		if !strings.HasPrefix(parts[i+1], prefix) {
			return ObjectKey{}, fmt.Errorf("malformed object key %q: segment %d lacks %q", key, i+1, prefix)
		}
	}

	url, err := DecodeFeedURL(strings.TrimPrefix(parts[3], "base64url="))
	if err != nil {
		return ObjectKey{}, fmt.Errorf("malformed object key %q: %w", key, err)
	}

	name := parts[4]
	if !strings.HasSuffix(name, PayloadSuffix) {
		return ObjectKey{}, fmt.Errorf("malformed object key %q: name %q lacks %q suffix", key, name, PayloadSuffix)
	}
	fetchTime, err := time.Parse(objectTimeFormat, strings.TrimSuffix(name, PayloadSuffix))
	if err != nil {
		return ObjectKey{}, fmt.Errorf("malformed object key %q: %w", key, err)
	}

	return ObjectKey{
		FeedType:  feedType,
		FeedURL:   url,
		FetchTime: fetchTime,
	}, nil
}

// CompactedKey is the parsed form of a compacted partition's key.
type CompactedKey struct {
	FeedType catalog.FeedType
	Date     string
	FeedURL  string
}

// ParseCompactedKey parses a compacted parquet key back into its parts.
func ParseCompactedKey(key string) (CompactedKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != CompactedObjectName {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q", key)
	}

	feedType, err := catalog.ParseFeedType(parts[0])
	if err != nil {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q: %w", key, err)
	}

	date := strings.TrimPrefix(parts[1], "date=")
	if date == parts[1] {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q: missing date segment", key)
	}
	if _, err := time.Parse(DateFormat, date); err != nil {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q: %w", key, err)
	}

	enc := strings.TrimPrefix(parts[2], "base64url=")
	if enc == parts[2] {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q: missing base64url segment", key)
	}
	url, err := DecodeFeedURL(enc)
	if err != nil {
		return CompactedKey{}, fmt.Errorf("malformed compacted key %q: %w", key, err)
	}

	return CompactedKey{
		FeedType: feedType,
		Date:     date,
		FeedURL:  url,
	}, nil
}
