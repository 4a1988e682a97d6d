package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galpha/signalpipe/internal/docstore"
	"github.com/galpha/signalpipe/internal/normalize"
)

func testConfig() Config {
	return Config{
		SourceCollection: "signals_v2",
		TargetCollection: "signals_v2_stats",
		NormalizeLive:    true,
	}
}

func seedSource(t *testing.T, store *docstore.MemoryStore, docs ...docstore.Document) {
	t.Helper()
	coll := store.Collection("signals_v2")
	for _, doc := range docs {
		require.NoError(t, coll.Insert(context.Background(), doc))
	}
}

func articleDoc(id string, categories ...string) docstore.Document {
	subs := make([]any, len(categories))
	for i, c := range categories {
		subs[i] = map[string]any{"category_name": c}
	}
	return docstore.Document{
		"article_db_id":   id,
		"pair":            "BTC/USD",
		"analyst_outputs": subs,
	}
}

func TestBackfill_NormalizesAndCopies(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedSource(t, store,
		articleDoc("A1", "x", "y"),
		articleDoc("A2", "z"),
		articleDoc("A3"),
	)

	p := New(store, testConfig())
	count, err := p.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 3)
	for _, doc := range target {
		assert.NotContains(t, doc, "analyst_outputs")
		assert.NotEmpty(t, doc[normalize.SignalIDField])
		assert.Equal(t, "BTC/USD", doc["pair"])
	}
}

func TestBackfill_RespectsBatchSize(t *testing.T) {
	store := docstore.NewMemoryStore()
	docs := make([]docstore.Document, 7)
	for i := range docs {
		docs[i] = articleDoc("A", "c")
	}
	seedSource(t, store, docs...)

	cfg := testConfig()
	cfg.BatchSize = 2
	p := New(store, cfg)

	count, err := p.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.Len(t, store.Memory("signals_v2_stats").Docs(), 7)
}

func TestBackfill_PartialWriteAborts(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedSource(t, store, articleDoc("A1", "x", "y", "z"))

	boom := errors.New("connection lost")
	calls := 0
	store.Memory("signals_v2_stats").SetInsertHook(func(docstore.Document) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	p := New(store, testConfig())
	count, err := p.Backfill(context.Background())

	var partial *docstore.PartialWriteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 3, partial.Attempted)
	assert.Equal(t, 1, partial.Inserted)
	assert.Equal(t, 0, count)

	// No rollback: the record written before the failure stays.
	assert.Len(t, store.Memory("signals_v2_stats").Docs(), 1)
}

func plainDoc(id string) docstore.Document {
	return docstore.Document{"article_db_id": id, "pair": "BTC/USD"}
}

func TestBackfill_ColumnlessBatchesContributeNothing(t *testing.T) {
	store := docstore.NewMemoryStore()
	// Batch size 1 isolates each document: the column is absent from the
	// first batch, detected in the second, absent again in the third.
	seedSource(t, store,
		plainDoc("A1"),
		articleDoc("A2", "x"),
		plainDoc("A3"),
	)

	cfg := testConfig()
	cfg.BatchSize = 1
	p := New(store, cfg)

	count, err := p.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 1)
	assert.Equal(t, "A2", target[0]["article_db_id"])
}

func TestBackfill_NoColumnAnywhere(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedSource(t, store, plainDoc("A1"), plainDoc("A2"))

	p := New(store, testConfig())
	count, err := p.Backfill(context.Background())
	assert.Equal(t, 0, count)
	var missing *normalize.MissingColumnError
	require.ErrorAs(t, err, &missing)
}

func TestBackfill_EmptySourceIsNotAnError(t *testing.T) {
	store := docstore.NewMemoryStore()
	p := New(store, testConfig())
	count, err := p.Backfill(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRun_BackfillFailureIsFatal(t *testing.T) {
	store := docstore.NewMemoryStore()
	seedSource(t, store, articleDoc("A1", "x"))
	store.Memory("signals_v2_stats").SetInsertHook(func(docstore.Document) error {
		return errors.New("unreachable")
	})

	p := New(store, testConfig())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backfill")

	// The tail phase never started.
	assert.Equal(t, 0, store.Memory("signals_v2").SubscriberCount())
}

// startTailer runs the tailer in the background and waits for its
// subscription to open before returning.
func startTailer(t *testing.T, store *docstore.MemoryStore, cfg Config) (cancel func(), done chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() {
		done <- NewTailer(store, cfg).Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return store.Memory(cfg.SourceCollection).SubscriberCount() > 0
	}, time.Second, 5*time.Millisecond)
	return stop, done
}

func waitTailer(t *testing.T, cancel func(), done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tailer did not stop after cancellation")
	}
}

func targetLen(store *docstore.MemoryStore) func() bool {
	return func() bool { return len(store.Memory("signals_v2_stats").Docs()) > 0 }
}

func TestTailer_CopiesNormalizedInserts(t *testing.T) {
	store := docstore.NewMemoryStore()
	cancel, done := startTailer(t, store, testConfig())
	defer waitTailer(t, cancel, done)

	seedSource(t, store, articleDoc("A1", "x", "y"))

	require.Eventually(t, func() bool {
		return len(store.Memory("signals_v2_stats").Docs()) == 2
	}, time.Second, 5*time.Millisecond)

	for _, doc := range store.Memory("signals_v2_stats").Docs() {
		assert.NotContains(t, doc, "analyst_outputs")
		assert.NotEmpty(t, doc[normalize.SignalIDField])
	}
}

func TestTailer_RawCopyWhenNormalizeLiveDisabled(t *testing.T) {
	store := docstore.NewMemoryStore()
	cfg := testConfig()
	cfg.NormalizeLive = false
	cancel, done := startTailer(t, store, cfg)
	defer waitTailer(t, cancel, done)

	seedSource(t, store, articleDoc("A1", "x", "y"))

	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)

	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 1)
	assert.Contains(t, target[0], "analyst_outputs")
	assert.NotContains(t, target[0], normalize.SignalIDField)
}

func TestTailer_IgnoresNonInsertOperations(t *testing.T) {
	store := docstore.NewMemoryStore()
	source := store.Memory("signals_v2")
	ctx := context.Background()

	// Seed a document, then replace it once the tailer is watching: the
	// replace event must not reach the target.
	require.NoError(t, source.Insert(ctx, docstore.Document{"_id": "D1", "article_db_id": "A1"}))

	cancel, done := startTailer(t, store, testConfig())

	require.NoError(t, source.Upsert(ctx, "D1", docstore.Document{"article_db_id": "A1-edited"}))
	seedSource(t, store, articleDoc("A2", "x"))

	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)
	waitTailer(t, cancel, done)

	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 1)
	assert.Equal(t, "A2", target[0]["article_db_id"])
}

func TestTailer_ContinuesAfterInsertFailure(t *testing.T) {
	store := docstore.NewMemoryStore()
	calls := 0
	store.Memory("signals_v2_stats").SetInsertHook(func(docstore.Document) error {
		calls++
		if calls == 1 {
			return errors.New("transient target failure")
		}
		return nil
	})

	cancel, done := startTailer(t, store, testConfig())
	defer waitTailer(t, cancel, done)

	seedSource(t, store, articleDoc("A1", "x"), articleDoc("A2", "y"))

	// The first copy fails, the subscription survives, the second lands.
	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)
	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 1)
	assert.Equal(t, "A2", target[0]["article_db_id"])
}

func TestTailer_SkipsLiveDocumentWithoutColumn(t *testing.T) {
	store := docstore.NewMemoryStore()
	cancel, done := startTailer(t, store, testConfig())
	defer waitTailer(t, cancel, done)

	// A live document with no nested outputs flattens to nothing; the
	// feed keeps going and the next document still lands.
	seedSource(t, store, plainDoc("A1"), articleDoc("A2", "x"))

	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)
	target := store.Memory("signals_v2_stats").Docs()
	require.Len(t, target, 1)
	assert.Equal(t, "A2", target[0]["article_db_id"])
}

func TestTailer_SkipsDuplicateContent(t *testing.T) {
	store := docstore.NewMemoryStore()
	cancel, done := startTailer(t, store, testConfig())
	defer waitTailer(t, cancel, done)

	// Two source documents with identical content map to the same
	// content-derived identifier; the replayed copy is skipped.
	seedSource(t, store, articleDoc("A1", "x"), articleDoc("A1", "x"))

	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, store.Memory("signals_v2_stats").Docs(), 1)
}

func TestTailer_ResumesFromCheckpoint(t *testing.T) {
	store := docstore.NewMemoryStore()
	cfg := testConfig()
	cfg.Checkpoint = true

	cancel, done := startTailer(t, store, cfg)
	seedSource(t, store, articleDoc("A1", "x"))
	require.Eventually(t, targetLen(store), time.Second, 5*time.Millisecond)
	waitTailer(t, cancel, done)

	// Inserted while the tailer is down.
	seedSource(t, store, articleDoc("A2", "y"))

	cancel, done = startTailer(t, store, cfg)
	require.Eventually(t, func() bool {
		return len(store.Memory("signals_v2_stats").Docs()) == 2
	}, time.Second, 5*time.Millisecond)
	waitTailer(t, cancel, done)

	ids := make(map[any]bool)
	for _, doc := range store.Memory("signals_v2_stats").Docs() {
		ids[doc["article_db_id"]] = true
	}
	assert.True(t, ids["A1"])
	assert.True(t, ids["A2"])
}

func TestTailer_SubscriptionFailureIsFatal(t *testing.T) {
	store := docstore.NewMemoryStore()
	cancel, done := startTailer(t, store, testConfig())
	defer cancel()

	// Closing the store fails the subscription from underneath the tailer.
	require.NoError(t, store.Close(context.Background()))

	select {
	case err := <-done:
		var storageErr *docstore.StorageError
		require.ErrorAs(t, err, &storageErr)
	case <-time.After(time.Second):
		t.Fatal("tailer did not exit after subscription failure")
	}
}
