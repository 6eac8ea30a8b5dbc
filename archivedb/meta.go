package archivedb

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

// metaTimeFormat renders ISO-8601 with an explicit UTC offset,
// e.g. 2025-01-15T14:20:30.123000+00:00.
const metaTimeFormat = "2006-01-02T15:04:05.000000-07:00"

// metaHeaders is the whitelist of response headers the sidecar retains,
// already in the lowercase form the sidecar uses as keys. Everything else
// may carry request- or infra-specific noise.
var metaHeaders = []string{"etag", "last-modified", "content-type", "content-length"}

// Meta is the JSON sidecar written next to each payload. Field names are a
// stable contract with downstream consumers of the archive.
type Meta struct {
	FeedID         string            `json:"feed_id"`
	AgencyID       string            `json:"agency_id"`
	AgencyName     string            `json:"agency_name"`
	SystemID       string            `json:"system_id"`
	SystemName     string            `json:"system_name"`
	URL            string            `json:"url"`
	FetchTimestamp string            `json:"fetch_timestamp"`
	DurationMs     float64           `json:"duration_ms"`
	ResponseCode   int               `json:"response_code"`
	ContentLength  int               `json:"content_length"`
	ContentType    string            `json:"content_type"`
	Headers        map[string]string `json:"headers"`
}

// NewMeta builds the sidecar record for one fetch.
func NewMeta(spec *catalog.FeedSpec, outcome *fetch.Outcome) Meta {
	return Meta{
		FeedID:         spec.ID,
		AgencyID:       spec.AgencyID,
		AgencyName:     spec.AgencyName,
		SystemID:       spec.SystemID,
		SystemName:     spec.SystemName,
		URL:            spec.URL,
		FetchTimestamp: outcome.FetchStart.UTC().Format(metaTimeFormat),
		DurationMs:     float64(outcome.Duration) / float64(time.Millisecond),
		ResponseCode:   outcome.StatusCode,
		ContentLength:  outcome.ContentLength,
		ContentType:    outcome.ContentType(),
		Headers:        whitelistHeaders(outcome.Headers),
	}
}

// Marshal renders the sidecar as pretty-printed JSON.
func (m Meta) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func whitelistHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(metaHeaders))
	for _, name := range metaHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}
