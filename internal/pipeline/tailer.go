package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/galpha/signalpipe/internal/docstore"
	"github.com/galpha/signalpipe/internal/normalize"
)

// Tailer follows the source collection's change feed and copies each inserted
// document into the target, one event at a time. A slow target write simply
// delays the next read, so backpressure is implicit.
//
// State machine: Idle -> Subscribed -> (per-event loop) -> Closed. Closed is
// reached only through cancellation or a subscription failure; per-event
// insert failures are logged and do not leave the loop.
type Tailer struct {
	store  docstore.Store
	config Config
	logger *slog.Logger
}

// NewTailer creates a tailer with the same configuration surface as the
// pipeline that owns it.
func NewTailer(store docstore.Store, config Config) *Tailer {
	if config.CheckpointCollection == "" {
		config.CheckpointCollection = DefaultCheckpointCollection
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Tailer{store: store, config: config, logger: config.Logger}
}

// Run subscribes to the source change feed and processes events until ctx is
// cancelled or the subscription fails. Cancellation returns nil after
// cleanup; a subscription failure returns the storage error after the same
// cleanup. The subscription is always closed before returning.
func (t *Tailer) Run(ctx context.Context) error {
	source := t.store.Collection(t.config.SourceCollection)
	target := t.store.Collection(t.config.TargetCollection)

	var resumeToken []byte
	if t.config.Checkpoint {
		token, err := t.loadCheckpoint(ctx)
		if err != nil {
			return err
		}
		resumeToken = token
	}

	stream, err := source.Watch(ctx, resumeToken)
	if err != nil {
		return err
	}
	defer func() {
		if err := stream.Close(context.Background()); err != nil {
			t.logger.Error("failed to close change stream", "error", err)
		}
	}()

	t.logger.Info("listening for new changes",
		"source", source.Name(),
		"target", target.Name(),
		"resuming", resumeToken != nil,
		"normalize_live", t.config.NormalizeLive)

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				t.logger.Info("change stream cancelled", "source", source.Name())
				return nil
			}
			t.logger.Error("change stream failed", "source", source.Name(), "error", err)
			return err
		}

		t.handleEvent(ctx, target, ev)

		if t.config.Checkpoint && ev.ResumeToken != nil {
			// Detached from ctx so a shutdown arriving mid-event still
			// records the event as processed.
			if err := t.saveCheckpoint(context.Background(), ev.ResumeToken); err != nil {
				// Losing a marker only widens the replay window; the
				// dedupe keys keep replays harmless.
				t.logger.Warn("failed to persist resume marker", "error", err)
			}
		}
	}
}

// handleEvent copies one insert event into the target. Failures are logged
// and swallowed: the live feed must not stop because one document failed.
func (t *Tailer) handleEvent(ctx context.Context, target docstore.Collection, ev docstore.ChangeEvent) {
	if ev.Op != docstore.OpInsert {
		t.logger.Debug("ignoring non-insert change", "operation", string(ev.Op))
		return
	}

	docs, err := t.outputDocuments(ev.FullDocument)
	if err != nil {
		t.logger.Warn("failed to transform live document, skipping", "error", err)
		return
	}

	inserted := 0
	for _, doc := range docs {
		if err := target.Insert(ctx, doc); err != nil {
			if errors.Is(err, docstore.ErrDuplicateKey) {
				t.logger.Debug("skipping already-copied document", "target", target.Name())
				continue
			}
			t.logger.Error("insertion error", "target", target.Name(), "error", err)
			continue
		}
		inserted++
	}
	if inserted > 0 {
		t.logger.Info("processed and inserted documents", "count", inserted)
	}
}

// outputDocuments maps one live source document to the documents written to
// the target. With NormalizeLive the document goes through the same transform
// as backfill and each output gets a content-derived identifier, so replays
// after a resume are idempotent. Without it the raw document is copied as-is
// and its own identifier provides the dedupe.
func (t *Tailer) outputDocuments(source docstore.Document) ([]docstore.Document, error) {
	if !t.config.NormalizeLive {
		return []docstore.Document{source}, nil
	}

	records, err := normalize.Normalize([]normalize.Record{normalize.Record(source)}, t.config.Normalize)
	if err != nil {
		// A document without the nested column flattens to nothing, same
		// as in backfill. Only malformed input is worth a warning.
		var missing *normalize.MissingColumnError
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, err
	}
	docs := make([]docstore.Document, len(records))
	for i, rec := range records {
		doc := docstore.Document(rec)
		doc["_id"] = dedupeKey(rec, i)
		docs[i] = doc
	}
	return docs, nil
}

// dedupeKey derives a stable identifier from an output record's content,
// excluding the generated signal identifier. Identical source documents
// replayed through the feed map to identical keys.
func dedupeKey(rec normalize.Record, index int) string {
	content := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == normalize.SignalIDField || k == "_id" {
			continue
		}
		content[k] = v
	}
	content["__n"] = index
	payload, err := json.Marshal(content)
	if err != nil {
		// Non-JSON-encodable values fall back to a best-effort key.
		payload = []byte(err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// checkpointID keys the resume marker by source collection, so several
// pipelines can share one checkpoint collection.
func (t *Tailer) checkpointID() string {
	return t.config.SourceCollection
}

func (t *Tailer) loadCheckpoint(ctx context.Context) ([]byte, error) {
	checkpoints := t.store.Collection(t.config.CheckpointCollection)
	var encoded string
	err := checkpoints.ReadBatches(ctx, DefaultBatchSize, func(batch []docstore.Document) error {
		for _, doc := range batch {
			if doc["_id"] == t.checkpointID() {
				encoded, _ = doc["resume_token"].(string)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, nil
	}
	token, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.logger.Warn("discarding malformed resume marker", "error", err)
		return nil, nil
	}
	return token, nil
}

func (t *Tailer) saveCheckpoint(ctx context.Context, token []byte) error {
	checkpoints := t.store.Collection(t.config.CheckpointCollection)
	return checkpoints.Upsert(ctx, t.checkpointID(), docstore.Document{
		"source":       t.config.SourceCollection,
		"resume_token": base64.StdEncoding.EncodeToString(token),
	})
}
