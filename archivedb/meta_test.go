package archivedb

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

func TestNewMeta(t *testing.T) {
	spec := &catalog.FeedSpec{
		ID:         "septa-bus-vehicle-positions",
		URL:        "https://gtfs.example.com/rt",
		FeedType:   catalog.VehiclePositions,
		AgencyID:   "septa",
		AgencyName: "SEPTA",
		SystemID:   "bus",
		SystemName: "Bus",
	}

	headers := http.Header{}
	headers.Set("ETag", `"abc123"`)
	headers.Set("Last-Modified", "Wed, 15 Jan 2025 14:20:29 GMT")
	headers.Set("Content-Type", "application/x-protobuf")
	headers.Set("Content-Length", "1234")
	headers.Set("Server", "nginx")
	headers.Set("X-Request-Id", "do-not-keep")

	outcome := &fetch.Outcome{
		Body:          make([]byte, 1234),
		StatusCode:    200,
		Headers:       headers,
		FetchStart:    time.Date(2025, 1, 15, 14, 20, 30, 123_000_000, time.UTC),
		Duration:      250 * time.Millisecond,
		ContentLength: 1234,
	}

	meta := NewMeta(spec, outcome)

	assert.Equal(t, "septa-bus-vehicle-positions", meta.FeedID)
	assert.Equal(t, "septa", meta.AgencyID)
	assert.Equal(t, "SEPTA", meta.AgencyName)
	assert.Equal(t, "bus", meta.SystemID)
	assert.Equal(t, "Bus", meta.SystemName)
	assert.Equal(t, "https://gtfs.example.com/rt", meta.URL)
	assert.Equal(t, "2025-01-15T14:20:30.123000+00:00", meta.FetchTimestamp)
	assert.Equal(t, float64(250), meta.DurationMs)
	assert.Equal(t, 200, meta.ResponseCode)
	assert.Equal(t, 1234, meta.ContentLength)
	assert.Equal(t, "application/x-protobuf", meta.ContentType)

	assert.Equal(t, map[string]string{
		"etag":           `"abc123"`,
		"last-modified":  "Wed, 15 Jan 2025 14:20:29 GMT",
		"content-type":   "application/x-protobuf",
		"content-length": "1234",
	}, meta.Headers)
}

func TestMetaMarshal(t *testing.T) {
	meta := Meta{
		FeedID:         "bart-vehicle-positions",
		AgencyID:       "bart",
		AgencyName:     "BART",
		URL:            "https://gtfs.example.com/rt",
		FetchTimestamp: "2025-01-15T14:20:30.123000+00:00",
		DurationMs:     99.5,
		ResponseCode:   200,
		ContentLength:  42,
		ContentType:    "application/x-protobuf",
		Headers:        map[string]string{"etag": `"e"`},
	}

	data, err := meta.Marshal()
	require.NoError(t, err)

	// pretty-printed, stable field names
	assert.Contains(t, string(data), "\n  \"feed_id\": \"bart-vehicle-positions\"")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, field := range []string{
		"feed_id", "agency_id", "agency_name", "system_id", "system_name",
		"url", "fetch_timestamp", "duration_ms", "response_code",
		"content_length", "content_type", "headers",
	} {
		assert.Contains(t, decoded, field)
	}

	// a feed directly under an agency has no system
	assert.Equal(t, "", decoded["system_id"])
}
