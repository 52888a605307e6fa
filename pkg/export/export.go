// Package export renders settlement receipts as JSONL and ships snapshots to
// object storage. One canonical line per receipt; two exports of the same
// receipt set are byte-identical.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/settlement"
)

// Source yields receipts for export, oldest first, capped at limit when > 0.
// tenantID narrows the view to one tenant; empty means every tenant, which
// only the archive exporter uses.
type Source interface {
	Receipts(tenantID string, limit int) ([]*settlement.SettlementReceipt, error)
}

// WriteJSONL streams receipts to w, one canonical JSON object per line.
func WriteJSONL(w io.Writer, receipts []*settlement.SettlementReceipt) error {
	for _, r := range receipts {
		line, err := canonical.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

// Sink stores one export snapshot under a key.
type Sink interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Exporter snapshots a source into a sink.
type Exporter struct {
	source Source
	sink   Sink
	prefix string
	clock  func() time.Time
}

// NewExporter builds an exporter. prefix is prepended to every object key.
func NewExporter(source Source, sink Sink, prefix string) *Exporter {
	return &Exporter{source: source, sink: sink, prefix: prefix, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Run writes one timestamped JSONL snapshot across all tenants and returns
// its object key.
func (e *Exporter) Run(ctx context.Context, limit int) (string, error) {
	receipts, err := e.source.Receipts("", limit)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, receipts); err != nil {
		return "", err
	}
	key := fmt.Sprintf("receipts-%s.jsonl", e.clock().UTC().Format("20060102T150405Z"))
	if e.prefix != "" {
		key = strings.TrimSuffix(e.prefix, "/") + "/" + key
	}
	if err := e.sink.Put(ctx, key, buf.Bytes()); err != nil {
		return "", err
	}
	return key, nil
}

// ParseBucketURL splits an s3:// or gs:// URL into scheme, bucket, and
// prefix.
func ParseBucketURL(raw string) (scheme, bucket, prefix string, err error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found || (scheme != "s3" && scheme != "gs") {
		return "", "", "", fmt.Errorf("export: unsupported bucket url %q", raw)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", "", fmt.Errorf("export: bucket url %q names no bucket", raw)
	}
	return scheme, bucket, prefix, nil
}
