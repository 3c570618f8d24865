package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/migrations"
	"github.com/aschepis/backscratcher/brain/vectors"

	_ "github.com/mattn/go-sqlite3"
)

const testDim = 3

// setupTestStore creates an in-memory database, runs migrations, and wraps it
// in a Store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Each pool connection to :memory: would get its own empty database.
	db.SetMaxOpenConns(1)

	if err := migrations.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	store, err := New(db, Options{EmbeddingDim: testDim}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMemory(id, deviceID string, embedding []float32) brain.MemoryItem {
	return brain.MemoryItem{
		ID:          id,
		UserMessage: "what's the wifi password",
		BotResponse: "it's on the fridge",
		Embedding:   embedding,
		DeviceID:    deviceID,
		Context:     "kitchen chat",
		Tags:        []string{"home"},
		Metadata:    map[string]interface{}{"channel": "voice"},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	want := testMemory("mem-1", "dev-a", []float32{0.1, 0.2, 0.3})
	if err := store.StoreMemory(ctx, want); err != nil {
		t.Fatalf("store memory: %v", err)
	}

	got, err := store.GetMemory(ctx, "mem-1")
	if err != nil {
		t.Fatalf("get memory: %v", err)
	}
	if got.UserMessage != want.UserMessage || got.BotResponse != want.BotResponse {
		t.Errorf("messages mismatch: got %q/%q", got.UserMessage, got.BotResponse)
	}
	if got.DeviceID != want.DeviceID || got.Context != want.Context {
		t.Errorf("attribution mismatch: got %q/%q", got.DeviceID, got.Context)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created_at mismatch: got %v want %v", got.CreatedAt, want.CreatedAt)
	}
	if len(got.Embedding) != testDim || got.Embedding[1] != 0.2 {
		t.Errorf("embedding mismatch: got %v", got.Embedding)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "home" {
		t.Errorf("tags mismatch: got %v", got.Tags)
	}
	if got.Metadata["channel"] != "voice" {
		t.Errorf("metadata mismatch: got %v", got.Metadata)
	}
}

func TestStoreMemoryDuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("mem-dup", "dev-a", []float32{1, 0, 0})
	if err := store.StoreMemory(ctx, m); err != nil {
		t.Fatalf("first store: %v", err)
	}
	err := store.StoreMemory(ctx, m)
	if !brain.IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestStoreMemoryDimensionMismatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("mem-bad", "dev-a", []float32{1, 0})
	err := store.StoreMemory(ctx, m)
	if !brain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetMemory(context.Background(), "nope")
	if !brain.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestRetrieveMemoriesOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// m1 nearly matches the query axis, m2 is nearly orthogonal.
	m1 := testMemory("mem-close", "dev-a", []float32{0.9, 0.1, 0})
	m2 := testMemory("mem-far", "dev-b", []float32{0.1, 0.9, 0})
	for _, m := range []brain.MemoryItem{m1, m2} {
		if err := store.StoreMemory(ctx, m); err != nil {
			t.Fatalf("store %s: %v", m.ID, err)
		}
	}

	results, err := store.RetrieveMemories(ctx, []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Item.ID != "mem-close" {
		t.Errorf("expected mem-close first, got %s", results[0].Item.ID)
	}
	if results[0].Score < 0.99 || results[0].Score > 1.0 {
		t.Errorf("unexpected top score %f", results[0].Score)
	}
	if results[1].Score >= results[0].Score {
		t.Errorf("results not in decreasing score order: %f then %f", results[0].Score, results[1].Score)
	}

	// A threshold above the weaker match filters it without padding.
	results, err = store.RetrieveMemories(ctx, []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 5, Threshold: 0.95})
	if err != nil {
		t.Fatalf("retrieve with threshold: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != "mem-close" {
		t.Fatalf("expected only mem-close above threshold, got %d results", len(results))
	}

	// TopK truncates.
	results, err = store.RetrieveMemories(ctx, []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 1})
	if err != nil {
		t.Fatalf("retrieve with topk: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestRetrieveMemoriesDeviceFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, dev := range []string{"dev-a", "dev-b", "dev-a"} {
		m := testMemory(fmt.Sprintf("mem-%d", i), dev, []float32{1, 0, 0})
		if err := store.StoreMemory(ctx, m); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	results, err := store.RetrieveMemories(ctx, []float32{1, 0, 0},
		brain.RetrieveOptions{TopK: 10, DeviceFilter: "dev-a"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 dev-a results, got %d", len(results))
	}
	for _, r := range results {
		if r.Item.DeviceID != "dev-a" {
			t.Errorf("device filter leaked %s", r.Item.DeviceID)
		}
	}
}

func TestRetrieveMemoriesEmptyStore(t *testing.T) {
	store := setupTestStore(t)

	results, err := store.RetrieveMemories(context.Background(), []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestUpdateMemoryTags(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("mem-tags", "dev-a", []float32{1, 0, 0})
	if err := store.StoreMemory(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := store.UpdateMemoryTags(ctx, "mem-tags", []string{"work", "urgent"}); err != nil {
		t.Fatalf("update tags: %v", err)
	}
	got, err := store.GetMemory(ctx, "mem-tags")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "work" {
		t.Errorf("tags not updated: %v", got.Tags)
	}
	// Everything else is immutable.
	if got.UserMessage != m.UserMessage || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("tag update mutated other fields")
	}

	if err := store.UpdateMemoryTags(ctx, "absent", []string{"x"}); !brain.IsNotFound(err) {
		t.Errorf("expected not found for absent id, got %v", err)
	}
}

func TestDeleteMemory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := testMemory("mem-del", "dev-a", []float32{1, 0, 0})
	if err := store.StoreMemory(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.DeleteMemory(ctx, "mem-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetMemory(ctx, "mem-del"); !brain.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteMemory(ctx, "mem-del"); !brain.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestKnowledgeRoundTripAndSourceFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		k := brain.KnowledgeItem{
			ID:          fmt.Sprintf("know-%d", i),
			Content:     fmt.Sprintf("chunk %d of the manual", i),
			Embedding:   []float32{1, 0, 0},
			Source:      "manual.pdf",
			DeviceID:    "dev-a",
			ChunkIndex:  i,
			TotalChunks: 3,
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := store.StoreKnowledge(ctx, k); err != nil {
			t.Fatalf("store chunk %d: %v", i, err)
		}
	}
	other := brain.KnowledgeItem{
		ID: "know-other", Content: "unrelated note", Embedding: []float32{1, 0, 0},
		Source: "notes.txt", DeviceID: "dev-b", ChunkIndex: 0, TotalChunks: 1,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.StoreKnowledge(ctx, other); err != nil {
		t.Fatalf("store other: %v", err)
	}

	got, err := store.GetKnowledge(ctx, "know-1")
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if got.ChunkIndex != 1 || got.TotalChunks != 3 || got.Source != "manual.pdf" {
		t.Errorf("chunk bookkeeping mismatch: %+v", got)
	}

	results, err := store.RetrieveKnowledge(ctx, []float32{1, 0, 0},
		brain.RetrieveOptions{TopK: 10, SourceFilter: "manual.pdf"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 manual chunks, got %d", len(results))
	}
	for _, r := range results {
		if r.Item.Source != "manual.pdf" {
			t.Errorf("source filter leaked %s", r.Item.Source)
		}
	}
}

func TestStoreKnowledgeChunkValidation(t *testing.T) {
	store := setupTestStore(t)

	k := brain.KnowledgeItem{
		ID: "know-bad", Content: "x", Embedding: []float32{1, 0, 0},
		Source: "s", DeviceID: "d", ChunkIndex: 2, TotalChunks: 2,
	}
	if err := store.StoreKnowledge(context.Background(), k); !brain.IsValidation(err) {
		t.Fatalf("expected validation error for out-of-range chunk, got %v", err)
	}
}

func TestUpsertDeviceIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seen := time.Now().UTC().Truncate(time.Millisecond)
	d := brain.DeviceContext{
		DeviceID:       "dev-pi",
		HardwareTier:   brain.TierRaspberryPi,
		Capabilities:   []string{"os:linux"},
		Specialization: "home_automation",
		LastSeen:       seen,
		Status:         brain.StatusOnline,
	}
	if err := store.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	// Re-registering the same device with the same timestamp refreshes, never
	// duplicates.
	d.Location = "hallway"
	if err := store.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].Location != "hallway" {
		t.Errorf("re-registration did not refresh record")
	}
}

func TestUpsertDeviceLastWriteWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	newer := brain.DeviceContext{
		DeviceID: "dev-x", HardwareTier: brain.TierLaptop,
		Specialization: "newer", LastSeen: base, Status: brain.StatusOnline,
	}
	if err := store.UpsertDevice(ctx, newer); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}

	// A write carrying an older LastSeen silently loses.
	older := newer
	older.Specialization = "stale"
	older.LastSeen = base.Add(-time.Minute)
	if err := store.UpsertDevice(ctx, older); err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	got, err := store.GetDevice(ctx, "dev-x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Specialization != "newer" {
		t.Errorf("older write overwrote newer record")
	}

	// A later LastSeen wins outright.
	latest := newer
	latest.Specialization = "latest"
	latest.LastSeen = base.Add(time.Minute)
	if err := store.UpsertDevice(ctx, latest); err != nil {
		t.Fatalf("upsert latest: %v", err)
	}
	got, _ = store.GetDevice(ctx, "dev-x")
	if got.Specialization != "latest" {
		t.Errorf("later write did not win")
	}
}

func TestUpsertDeviceTierBreaksTies(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	seen := time.Now().UTC().Truncate(time.Millisecond)
	laptop := brain.DeviceContext{
		DeviceID: "dev-tie", HardwareTier: brain.TierLaptop,
		Specialization: "laptop-write", LastSeen: seen, Status: brain.StatusOnline,
	}
	if err := store.UpsertDevice(ctx, laptop); err != nil {
		t.Fatalf("upsert laptop: %v", err)
	}

	// Same timestamp, higher tier: server wins the tie.
	server := laptop
	server.HardwareTier = brain.TierServer
	server.Specialization = "server-write"
	if err := store.UpsertDevice(ctx, server); err != nil {
		t.Fatalf("upsert server: %v", err)
	}
	got, err := store.GetDevice(ctx, "dev-tie")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Specialization != "server-write" {
		t.Errorf("higher tier lost an exact-tie conflict")
	}

	// Same timestamp, lower tier: the pi loses.
	pi := laptop
	pi.HardwareTier = brain.TierRaspberryPi
	pi.Specialization = "pi-write"
	if err := store.UpsertDevice(ctx, pi); err != nil {
		t.Fatalf("upsert pi: %v", err)
	}
	got, _ = store.GetDevice(ctx, "dev-tie")
	if got.Specialization != "server-write" {
		t.Errorf("lower tier won an exact-tie conflict")
	}
}

func TestSessionAppendAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	turns := []brain.Turn{
		{Role: "user", Content: "remind me to water the plants", DeviceID: "dev-a"},
		{Role: "assistant", Content: "reminder set", DeviceID: "dev-a"},
		{Role: "user", Content: "thanks", DeviceID: "dev-b"},
	}
	for _, turn := range turns {
		if err := store.AppendSessionTurn(ctx, "sess-1", turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.DeviceID != "dev-a" {
		t.Errorf("session should keep the originating device, got %s", got.DeviceID)
	}
	if len(got.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got.Turns))
	}
	for i, turn := range got.Turns {
		if turn.Content != turns[i].Content {
			t.Errorf("turn %d out of order: got %q", i, turn.Content)
		}
	}

	if _, err := store.GetSession(ctx, "absent"); !brain.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestListSessionsOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"sess-old", "sess-new"} {
		turn := brain.Turn{
			Role: "user", Content: "hello", DeviceID: "dev-a",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendSessionTurn(ctx, id, turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sessions, err := store.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "sess-new" {
		t.Errorf("expected most recently active first, got %s", sessions[0].SessionID)
	}
	if len(sessions[0].Turns) != 0 {
		t.Errorf("list should return headers only")
	}
}

func TestSyncOperationLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		op := brain.SyncOperation{
			OperationID:   fmt.Sprintf("op-%d", i),
			OperationType: "create",
			ItemType:      "memory",
			ItemID:        fmt.Sprintf("mem-%d", i),
			DeviceID:      "dev-a",
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		}
		if err := store.StoreSyncOperation(ctx, op); err != nil {
			t.Fatalf("store op: %v", err)
		}
	}

	pending, err := store.PendingSyncOperations(ctx, "dev-a")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].OperationID != "op-0" {
		t.Errorf("pending not oldest-first: %s", pending[0].OperationID)
	}

	if err := store.ResolveSyncOperation(ctx, "op-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolving again is a no-op.
	if err := store.ResolveSyncOperation(ctx, "op-1"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	pending, err = store.PendingSyncOperations(ctx, "dev-a")
	if err != nil {
		t.Fatalf("pending after resolve: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending after resolve, got %d", len(pending))
	}

	badOp := brain.SyncOperation{OperationID: "op-bad", OperationType: "merge", ItemType: "memory"}
	if err := store.StoreSyncOperation(ctx, badOp); !brain.IsValidation(err) {
		t.Errorf("expected validation error for unknown op type, got %v", err)
	}
}

func TestStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m := testMemory(fmt.Sprintf("mem-%d", i), "dev-a", []float32{1, 0, 0})
		if err := store.StoreMemory(ctx, m); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	k := brain.KnowledgeItem{
		ID: "know-1", Content: "c", Embedding: []float32{1, 0, 0},
		Source: "s", DeviceID: "dev-b", ChunkIndex: 0, TotalChunks: 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.StoreKnowledge(ctx, k); err != nil {
		t.Fatalf("store knowledge: %v", err)
	}
	d := brain.DeviceContext{DeviceID: "dev-a", HardwareTier: brain.TierLaptop, LastSeen: time.Now().UTC()}
	if err := store.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("upsert device: %v", err)
	}

	snap, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if snap.MemoryCount != 2 || snap.KnowledgeCount != 1 || snap.DeviceCount != 1 {
		t.Errorf("unexpected counts: %+v", snap)
	}
	if snap.PerDevice["dev-a"].MemoryCount != 2 {
		t.Errorf("expected 2 memories for dev-a, got %d", snap.PerDevice["dev-a"].MemoryCount)
	}
	if snap.PerDevice["dev-b"].KnowledgeCount != 1 {
		t.Errorf("expected 1 knowledge for dev-b, got %d", snap.PerDevice["dev-b"].KnowledgeCount)
	}
}

func TestConcurrentWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := testMemory(fmt.Sprintf("mem-conc-%d", i), "dev-a", []float32{1, 0, 0})
			errs <- store.StoreMemory(ctx, m)
		}(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := brain.DeviceContext{
				DeviceID:     "dev-conc",
				HardwareTier: brain.TierLaptop,
				LastSeen:     time.Now().UTC(),
			}
			errs <- store.UpsertDevice(ctx, d)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}

	snap, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if snap.MemoryCount != 10 {
		t.Errorf("expected 10 memories, got %d", snap.MemoryCount)
	}
	if snap.DeviceCount != 1 {
		t.Errorf("expected 1 device, got %d", snap.DeviceCount)
	}
}

func TestSimilarityMetricsAgree(t *testing.T) {
	// Same store contents ranked under euclidean distance still put the
	// nearer vector first.
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrations.RunMigrations(db, zerolog.Nop()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	store, err := New(db, Options{EmbeddingDim: testDim, Metric: vectors.MetricEuclidean}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	m1 := testMemory("mem-near", "dev-a", []float32{0.9, 0.1, 0})
	m2 := testMemory("mem-far", "dev-a", []float32{0.1, 0.9, 0})
	for _, m := range []brain.MemoryItem{m1, m2} {
		if err := store.StoreMemory(ctx, m); err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	results, err := store.RetrieveMemories(ctx, []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 || results[0].Item.ID != "mem-near" {
		t.Fatalf("euclidean ranking wrong: %+v", results)
	}
}

func TestOpenRejectsDirtySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")

	store, err := Open(path, Options{EmbeddingDim: testDim}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a migration that aborted partway.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatalf("mark dirty: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close raw: %v", err)
	}

	_, err = Open(path, Options{EmbeddingDim: testDim}, zerolog.Nop())
	if !brain.IsSchemaVersion(err) {
		t.Fatalf("expected schema version error for dirty schema, got %v", err)
	}
}

func TestOpenPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brain.db")
	ctx := context.Background()

	store, err := Open(path, Options{EmbeddingDim: testDim}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m := testMemory("mem-durable", "dev-a", []float32{1, 0, 0})
	if err := store.StoreMemory(ctx, m); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(path, Options{EmbeddingDim: testDim}, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	got, err := store.GetMemory(ctx, "mem-durable")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.UserMessage != m.UserMessage || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("data changed across reopen: %+v", got)
	}
}

func TestExpiredContextSurfacesAsTimeout(t *testing.T) {
	store := setupTestStore(t)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := store.StoreMemory(ctx, testMemory("mem-late", "dev-a", []float32{1, 0, 0}))
	if !brain.IsTimeout(err) {
		t.Fatalf("expected timeout error from store, got %v", err)
	}
	if brain.IsValidation(err) || brain.IsNotFound(err) {
		t.Errorf("timeout error should not match other kinds: %v", err)
	}

	_, err = store.RetrieveMemories(ctx, []float32{1, 0, 0}, brain.RetrieveOptions{TopK: 1})
	if !brain.IsTimeout(err) {
		t.Fatalf("expected timeout error from retrieve, got %v", err)
	}
}
