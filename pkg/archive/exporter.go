package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/meshforge/pkg/canonical"
	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
	"github.com/Mindburn-Labs/meshforge/pkg/store"
)

// DefaultSegmentSize bounds envelopes per segment. Matches the durable
// profile's segment_max_events.
const DefaultSegmentSize = 10000

// Segment describes one archived chunk of the event log.
type Segment struct {
	Hash     string `json:"hash"`
	Count    int    `json:"count"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
}

// Manifest ties the segments of one export together. Hash is where the
// manifest itself landed in the blob store; it is not part of the
// stored manifest bytes.
type Manifest struct {
	CreatedAt   int64     `json:"created_at"` // unix milliseconds
	Tenant      string    `json:"tenant,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`
	EventCount  int       `json:"event_count"`
	SegmentSize int       `json:"segment_size"`
	Segments    []Segment `json:"segments"`
	Hash        string    `json:"hash,omitempty"`
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithSegmentSize overrides the envelopes-per-segment bound.
func WithSegmentSize(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.segmentSize = n
		}
	}
}

// WithLogger overrides the exporter logger.
func WithLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) { e.logger = l }
}

// WithClock overrides the manifest timestamp source (unix milliseconds).
func WithClock(now func() int64) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// Exporter drains an event store into canonical JSONL segments on a
// blob store.
type Exporter struct {
	events      store.EventStore
	blobs       BlobStore
	segmentSize int
	logger      *slog.Logger
	now         func() int64
}

// NewExporter builds an exporter over the given store and blob backend.
func NewExporter(events store.EventStore, blobs BlobStore, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		events:      events,
		blobs:       blobs,
		segmentSize: DefaultSegmentSize,
		logger:      slog.Default().With("component", "archive"),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export replays the filtered log, writes it out in segments, stores the
// manifest, and returns the manifest with its blob hash filled in.
// Exporting an empty log yields a manifest with no segments.
func (e *Exporter) Export(ctx context.Context, filter store.ReplayFilter) (*Manifest, error) {
	records, err := e.events.ReplayRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("replay for export: %w", err)
	}

	manifest := &Manifest{
		CreatedAt:   e.now(),
		Tenant:      filter.Tenant,
		Workspace:   filter.Workspace,
		SegmentSize: e.segmentSize,
		Segments:    []Segment{},
	}

	for start := 0; start < len(records); start += e.segmentSize {
		chunk := records[start:min(start+e.segmentSize, len(records))]

		data, err := encodeSegment(chunk)
		if err != nil {
			return nil, err
		}
		hash, err := e.blobs.Store(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("store segment: %w", err)
		}

		manifest.Segments = append(manifest.Segments, Segment{
			Hash:     hash,
			Count:    len(chunk),
			FirstSeq: chunk[0].Seq,
			LastSeq:  chunk[len(chunk)-1].Seq,
		})
		manifest.EventCount += len(chunk)
		e.logger.Info("segment archived",
			"hash", hash,
			"events", len(chunk),
			"first_seq", chunk[0].Seq,
			"last_seq", chunk[len(chunk)-1].Seq,
		)
	}

	data, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	hash, err := e.blobs.Store(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("store manifest: %w", err)
	}
	manifest.Hash = hash

	e.logger.Info("export complete",
		"manifest", hash,
		"segments", len(manifest.Segments),
		"events", manifest.EventCount,
	)
	return manifest, nil
}

// Verify re-reads every segment named by the manifest and checks its
// content against its hash. Any missing or corrupted segment fails the
// whole manifest.
func (e *Exporter) Verify(ctx context.Context, manifest *Manifest) error {
	for _, seg := range manifest.Segments {
		data, err := e.blobs.Get(ctx, seg.Hash)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.Hash, err)
		}
		if got := hashPrefix + canonical.HashBytes(data); got != seg.Hash {
			return fmt.Errorf("segment %s: content hash mismatch (%s)", seg.Hash, got)
		}
		envs, err := DecodeSegment(data)
		if err != nil {
			return fmt.Errorf("segment %s: %w", seg.Hash, err)
		}
		if len(envs) != seg.Count {
			return fmt.Errorf("segment %s: expected %d envelopes, decoded %d",
				seg.Hash, seg.Count, len(envs))
		}
	}
	return nil
}

// encodeSegment renders records as canonical JSONL, one envelope per
// line with a trailing newline.
func encodeSegment(records []store.Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := canonical.Marshal(rec.Envelope)
		if err != nil {
			return nil, fmt.Errorf("encode envelope %s: %w", rec.Envelope.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeSegment parses a JSONL segment back into envelopes.
func DecodeSegment(data []byte) ([]*envelope.Envelope, error) {
	var envs []*envelope.Envelope
	for i, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		env, err := envelope.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("segment line %d: %w", i+1, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}
