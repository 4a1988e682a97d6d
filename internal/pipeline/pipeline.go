// Package pipeline orchestrates the signal-copy flow: a bounded-batch
// backfill of the source collection followed by an unbounded live tail of its
// change feed. Both paths share the normalize transform so the target
// collection keeps a uniform schema.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/galpha/signalpipe/internal/docstore"
	"github.com/galpha/signalpipe/internal/normalize"
)

// Default tuning values for a pipeline run.
const (
	// DefaultBatchSize bounds how many source documents a backfill batch
	// holds in memory at once.
	DefaultBatchSize = 500

	// DefaultCheckpointCollection is where the tailer persists resume
	// markers, keyed by source collection name.
	DefaultCheckpointCollection = "pipeline_checkpoints"
)

// Config describes one pipeline run.
type Config struct {
	// SourceCollection is the collection to copy from.
	SourceCollection string

	// TargetCollection receives the copied records.
	TargetCollection string

	// CheckpointCollection stores the tailer's resume marker. Empty means
	// DefaultCheckpointCollection.
	CheckpointCollection string

	// BatchSize bounds backfill batches. Zero means DefaultBatchSize.
	BatchSize int

	// NormalizeLive applies the normalize transform to documents arriving
	// on the live path, keeping the target schema uniform with backfill.
	// When false the live path copies raw documents, which makes the
	// target schema heterogeneous.
	NormalizeLive bool

	// Checkpoint enables resume-marker persistence. When false a restart
	// starts a fresh subscription and notifications delivered during the
	// restart window are lost.
	Checkpoint bool

	// Normalize overrides the transform options. The zero value means
	// auto-detected column, default key selection, no renames.
	Normalize normalize.Options

	Logger *slog.Logger
}

// Pipeline copies documents from a source collection to a target collection,
// first by backfill, then by following the live change feed.
type Pipeline struct {
	store  docstore.Store
	config Config
	logger *slog.Logger
}

// New creates a pipeline over the given store. The store stays owned by the
// pipeline from here on: Run releases it on every exit path.
func New(store docstore.Store, config Config) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.CheckpointCollection == "" {
		config.CheckpointCollection = DefaultCheckpointCollection
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Pipeline{store: store, config: config, logger: config.Logger}
}

// Run executes the backfill to completion and then tails the change feed
// until ctx is cancelled or the subscription fails. A backfill failure is
// fatal: the tail phase never starts after one. The store connection is
// released on every exit path.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if err := p.store.Close(context.Background()); err != nil {
			p.logger.Error("failed to release store connection", "error", err)
		} else {
			p.logger.Info("store connection released")
		}
	}()

	count, err := p.Backfill(ctx)
	if err != nil {
		return fmt.Errorf("backfill of %s failed: %w", p.config.SourceCollection, err)
	}
	p.logger.Info("backfill complete, switching to live tail",
		"source", p.config.SourceCollection,
		"target", p.config.TargetCollection,
		"records", count)

	tailer := NewTailer(p.store, p.config)
	if err := tailer.Run(ctx); err != nil {
		return fmt.Errorf("tail of %s failed: %w", p.config.SourceCollection, err)
	}
	return nil
}

// Backfill streams the entire source collection through the normalizer in
// bounded batches and bulk-inserts each batch into the target. It returns the
// number of output records written. A failed bulk insert aborts the backfill
// with the partial-write detail; records already written stay written.
//
// The nested-output column is resolved once for the whole stream: the first
// batch containing a candidate pins it, and batches without it contribute
// zero records rather than failing. Only a collection where no batch ever
// carries the column is an error.
func (p *Pipeline) Backfill(ctx context.Context) (int, error) {
	source := p.store.Collection(p.config.SourceCollection)
	target := p.store.Collection(p.config.TargetCollection)

	p.logger.Info("processing existing documents",
		"source", source.Name(),
		"target", target.Name(),
		"batch_size", p.config.BatchSize)

	opts := p.config.Normalize
	columnKnown := false
	sawDocuments := false
	total := 0
	err := source.ReadBatches(ctx, p.config.BatchSize, func(batch []docstore.Document) error {
		if len(batch) > 0 {
			sawDocuments = true
		}
		if !columnKnown {
			column, err := normalize.DetectColumn(toRecords(batch), opts.Column)
			if err != nil {
				return nil
			}
			opts.Column = column
			columnKnown = true
		}
		records, err := normalize.Normalize(toRecords(batch), opts)
		if err != nil {
			var missing *normalize.MissingColumnError
			if errors.As(err, &missing) {
				return nil
			}
			return fmt.Errorf("normalize batch: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := target.InsertMany(ctx, toDocuments(records)); err != nil {
			return err
		}
		total += len(records)
		return nil
	})
	if err != nil {
		var partial *docstore.PartialWriteError
		if errors.As(err, &partial) {
			p.logger.Error("bulk insert failed partway",
				"target", target.Name(),
				"attempted", partial.Attempted,
				"inserted", partial.Inserted,
				"written_before_failure", total,
				"error", partial.Err)
		}
		return total, err
	}
	if sawDocuments && !columnKnown {
		// Running DetectColumn on an empty set reproduces the stream-wide
		// miss with the configured column or candidate list filled in.
		_, err := normalize.DetectColumn([]normalize.Record{}, p.config.Normalize.Column)
		return total, err
	}

	p.logger.Info("processed and inserted existing documents", "count", total)
	return total, nil
}

func toRecords(docs []docstore.Document) []normalize.Record {
	records := make([]normalize.Record, len(docs))
	for i, doc := range docs {
		records[i] = normalize.Record(doc)
	}
	return records
}

func toDocuments(records []normalize.Record) []docstore.Document {
	docs := make([]docstore.Document, len(records))
	for i, rec := range records {
		docs[i] = docstore.Document(rec)
	}
	return docs
}
