package archivedb

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

// Writer archives one fetch outcome: the payload under its partitioned key
// and, unless disabled, the JSON sidecar next to it. Objects are immutable
// once written; replaying a write with identical bytes is safe.
type Writer struct {
	w             backend.RawWriter
	writeMetadata bool
}

// NewWriter returns a Writer over the given backend. writeMetadata controls
// the sidecar upload.
func NewWriter(w backend.RawWriter, writeMetadata bool) *Writer {
	return &Writer{
		w:             w,
		writeMetadata: writeMetadata,
	}
}

// Write uploads the payload (and sidecar) for one fetch and returns the
// payload's object key.
func (w *Writer) Write(ctx context.Context, spec *catalog.FeedSpec, outcome *fetch.Outcome) (string, error) {
	keypath := KeyPathForFetch(spec.FeedType, spec.URL, outcome.FetchStart)
	name := ObjectNameForFetch(outcome.FetchStart)

	err := w.w.Write(ctx, name, keypath, bytes.NewReader(outcome.Body), int64(len(outcome.Body)))
	if err != nil {
		return "", fmt.Errorf("writing payload: %w", err)
	}

	if w.writeMetadata {
		meta, err := NewMeta(spec, outcome).Marshal()
		if err != nil {
			return "", fmt.Errorf("marshaling sidecar: %w", err)
		}

		err = w.w.Write(ctx, MetaNameForFetch(outcome.FetchStart), keypath, bytes.NewReader(meta), int64(len(meta)))
		if err != nil {
			return "", fmt.Errorf("writing sidecar: %w", err)
		}
	}

	return path.Join(append(keypath, name)...), nil
}
