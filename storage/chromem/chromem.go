// Package chromem implements the cache tier of the storage router over
// chromem-go, a pure Go embedded vector database. The cache is never the
// source of truth: losing it is always safe, and Close simply discards it.
package chromem

import (
	"context"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/vectors"
)

// Cache implements brain.Backend in memory. Vector retrieval for the default
// cosine metric is served by chromem collections; entity hydration and the
// non-vector operations come from mutex-guarded maps.
type Cache struct {
	db      *chromem.DB
	metric  vectors.Metric
	logger  zerolog.Logger
	memCol  *chromem.Collection
	knowCol *chromem.Collection

	mu        sync.RWMutex
	memories  map[string]brain.MemoryItem
	knowledge map[string]brain.KnowledgeItem
	devices   map[string]brain.DeviceContext
	sessions  map[string]brain.Session
	syncOps   map[string]brain.SyncOperation
}

// New creates an empty cache backend.
func New(metric vectors.Metric, logger zerolog.Logger) (*Cache, error) {
	if metric == "" {
		metric = vectors.MetricCosine
	}
	db := chromem.NewDB()

	memCol, err := db.CreateCollection("memories", nil, nil)
	if err != nil {
		return nil, brain.NewBackendUnavailableError("create memories collection", err)
	}
	knowCol, err := db.CreateCollection("knowledge", nil, nil)
	if err != nil {
		return nil, brain.NewBackendUnavailableError("create knowledge collection", err)
	}

	return &Cache{
		db:        db,
		metric:    metric,
		logger:    logger.With().Str("component", "chromem_cache").Logger(),
		memCol:    memCol,
		knowCol:   knowCol,
		memories:  make(map[string]brain.MemoryItem),
		knowledge: make(map[string]brain.KnowledgeItem),
		devices:   make(map[string]brain.DeviceContext),
		sessions:  make(map[string]brain.Session),
		syncOps:   make(map[string]brain.SyncOperation),
	}, nil
}

// StoreMemory mirrors a memory into the cache. Overwriting an existing id is
// allowed here: the primary already enforced uniqueness.
func (c *Cache) StoreMemory(ctx context.Context, m brain.MemoryItem) error {
	c.mu.Lock()
	c.memories[m.ID] = m
	c.mu.Unlock()

	doc := chromem.Document{
		ID:        m.ID,
		Content:   m.UserMessage,
		Embedding: m.Embedding,
		Metadata:  map[string]string{"device_id": m.DeviceID},
	}
	if err := c.memCol.AddDocument(ctx, doc); err != nil {
		return brain.NewBackendUnavailableError("cache add memory", err)
	}
	return nil
}

// GetMemory serves a cached memory, or not-found on a miss.
func (c *Cache) GetMemory(ctx context.Context, id string) (brain.MemoryItem, error) {
	c.mu.RLock()
	m, ok := c.memories[id]
	c.mu.RUnlock()
	if !ok {
		return brain.MemoryItem{}, brain.NewNotFoundError("memory not cached: "+id, nil)
	}
	return m, nil
}

// RetrieveMemories ranks cached memories. chromem serves the cosine path;
// other metrics fall back to a scan of the cached entries.
func (c *Cache) RetrieveMemories(ctx context.Context, query []float32, opts brain.RetrieveOptions) ([]brain.MemoryResult, error) {
	if c.metric == vectors.MetricCosine {
		matches, err := c.queryCollection(ctx, c.memCol, query, opts.TopK, opts.Threshold, deviceWhere(opts.DeviceFilter))
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		results := make([]brain.MemoryResult, 0, len(matches))
		for _, m := range matches {
			if item, ok := c.memories[m.ID]; ok {
				results = append(results, brain.MemoryResult{Item: item, Score: m.Score})
			}
		}
		return results, nil
	}

	c.mu.RLock()
	candidates := make([]vectors.Candidate, 0, len(c.memories))
	ids := make([]string, 0, len(c.memories))
	for id := range c.memories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := c.memories[id]
		if opts.DeviceFilter != "" && m.DeviceID != opts.DeviceFilter {
			continue
		}
		candidates = append(candidates, vectors.Candidate{ID: id, Vector: m.Embedding})
	}
	matches := vectors.Rank(query, candidates, opts.TopK, opts.Threshold, c.metric)
	results := make([]brain.MemoryResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, brain.MemoryResult{Item: c.memories[m.ID], Score: m.Score})
	}
	c.mu.RUnlock()
	return results, nil
}

// UpdateMemoryTags updates the cached copy if present.
func (c *Cache) UpdateMemoryTags(ctx context.Context, id string, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.memories[id]
	if !ok {
		return brain.NewNotFoundError("memory not cached: "+id, nil)
	}
	m.Tags = tags
	c.memories[id] = m
	return nil
}

// DeleteMemory evicts a memory from the cache.
func (c *Cache) DeleteMemory(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.memories, id)
	c.mu.Unlock()
	if err := c.memCol.Delete(ctx, nil, nil, id); err != nil {
		return brain.NewBackendUnavailableError("cache delete memory", err)
	}
	return nil
}

// StoreKnowledge mirrors a knowledge chunk into the cache.
func (c *Cache) StoreKnowledge(ctx context.Context, k brain.KnowledgeItem) error {
	c.mu.Lock()
	c.knowledge[k.ID] = k
	c.mu.Unlock()

	doc := chromem.Document{
		ID:        k.ID,
		Content:   k.Content,
		Embedding: k.Embedding,
		Metadata: map[string]string{
			"device_id": k.DeviceID,
			"source":    k.Source,
		},
	}
	if err := c.knowCol.AddDocument(ctx, doc); err != nil {
		return brain.NewBackendUnavailableError("cache add knowledge", err)
	}
	return nil
}

// GetKnowledge serves a cached knowledge chunk.
func (c *Cache) GetKnowledge(ctx context.Context, id string) (brain.KnowledgeItem, error) {
	c.mu.RLock()
	k, ok := c.knowledge[id]
	c.mu.RUnlock()
	if !ok {
		return brain.KnowledgeItem{}, brain.NewNotFoundError("knowledge not cached: "+id, nil)
	}
	return k, nil
}

// RetrieveKnowledge is the knowledge-side cache query.
func (c *Cache) RetrieveKnowledge(ctx context.Context, query []float32, opts brain.RetrieveOptions) ([]brain.KnowledgeResult, error) {
	if c.metric == vectors.MetricCosine {
		where := deviceWhere(opts.DeviceFilter)
		if opts.SourceFilter != "" {
			if where == nil {
				where = map[string]string{}
			}
			where["source"] = opts.SourceFilter
		}
		matches, err := c.queryCollection(ctx, c.knowCol, query, opts.TopK, opts.Threshold, where)
		if err != nil {
			return nil, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		results := make([]brain.KnowledgeResult, 0, len(matches))
		for _, m := range matches {
			if item, ok := c.knowledge[m.ID]; ok {
				results = append(results, brain.KnowledgeResult{Item: item, Score: m.Score})
			}
		}
		return results, nil
	}

	c.mu.RLock()
	ids := make([]string, 0, len(c.knowledge))
	for id := range c.knowledge {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	candidates := make([]vectors.Candidate, 0, len(ids))
	for _, id := range ids {
		k := c.knowledge[id]
		if opts.DeviceFilter != "" && k.DeviceID != opts.DeviceFilter {
			continue
		}
		if opts.SourceFilter != "" && k.Source != opts.SourceFilter {
			continue
		}
		candidates = append(candidates, vectors.Candidate{ID: id, Vector: k.Embedding})
	}
	matches := vectors.Rank(query, candidates, opts.TopK, opts.Threshold, c.metric)
	results := make([]brain.KnowledgeResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, brain.KnowledgeResult{Item: c.knowledge[m.ID], Score: m.Score})
	}
	c.mu.RUnlock()
	return results, nil
}

// DeleteKnowledge evicts a knowledge chunk.
func (c *Cache) DeleteKnowledge(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.knowledge, id)
	c.mu.Unlock()
	if err := c.knowCol.Delete(ctx, nil, nil, id); err != nil {
		return brain.NewBackendUnavailableError("cache delete knowledge", err)
	}
	return nil
}

// UpsertDevice caches a device record with the same conflict policy as the
// primary: last-write-wins on LastSeen, tier priority on exact ties.
func (c *Cache) UpsertDevice(ctx context.Context, d brain.DeviceContext) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.devices[d.DeviceID]
	if ok {
		if d.LastSeen.Before(existing.LastSeen) {
			return nil
		}
		if d.LastSeen.Equal(existing.LastSeen) && d.HardwareTier.Priority() < existing.HardwareTier.Priority() {
			return nil
		}
	}
	c.devices[d.DeviceID] = d
	return nil
}

// GetDevice serves a cached device record.
func (c *Cache) GetDevice(ctx context.Context, deviceID string) (brain.DeviceContext, error) {
	c.mu.RLock()
	d, ok := c.devices[deviceID]
	c.mu.RUnlock()
	if !ok {
		return brain.DeviceContext{}, brain.NewNotFoundError("device not cached: "+deviceID, nil)
	}
	return d, nil
}

// ListDevices returns cached devices, most recently seen first.
func (c *Cache) ListDevices(ctx context.Context) ([]brain.DeviceContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	devices := make([]brain.DeviceContext, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
	return devices, nil
}

// AppendSessionTurn appends to the cached session copy.
func (c *Cache) AppendSessionTurn(ctx context.Context, sessionID string, turn brain.Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = brain.Session{
			SessionID: sessionID,
			DeviceID:  turn.DeviceID,
			StartedAt: turn.CreatedAt,
		}
	}
	s.Turns = append(s.Turns, turn)
	s.LastActive = turn.CreatedAt
	c.sessions[sessionID] = s
	return nil
}

// GetSession serves a cached session.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (brain.Session, error) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return brain.Session{}, brain.NewNotFoundError("session not cached: "+sessionID, nil)
	}
	return s, nil
}

// ListSessions returns cached session headers, most recently active first.
func (c *Cache) ListSessions(ctx context.Context, limit int) ([]brain.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]brain.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		s.Turns = nil
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// StoreSyncOperation caches a queued operation.
func (c *Cache) StoreSyncOperation(ctx context.Context, op brain.SyncOperation) error {
	c.mu.Lock()
	c.syncOps[op.OperationID] = op
	c.mu.Unlock()
	return nil
}

// PendingSyncOperations returns cached unresolved operations, oldest first.
func (c *Cache) PendingSyncOperations(ctx context.Context, deviceID string) ([]brain.SyncOperation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ops []brain.SyncOperation
	for _, op := range c.syncOps {
		if op.DeviceID == deviceID && !op.Resolved {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Timestamp.Before(ops[j].Timestamp)
	})
	return ops, nil
}

// ResolveSyncOperation marks a cached operation resolved; a no-op when the
// operation is absent or already resolved.
func (c *Cache) ResolveSyncOperation(ctx context.Context, operationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.syncOps[operationID]; ok {
		op.Resolved = true
		c.syncOps[operationID] = op
	}
	return nil
}

// Stats reports counts over cached entries only.
func (c *Cache) Stats(ctx context.Context) (brain.StatsSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := brain.StatsSnapshot{
		MemoryCount:    int64(len(c.memories)),
		KnowledgeCount: int64(len(c.knowledge)),
		DeviceCount:    int64(len(c.devices)),
		SessionCount:   int64(len(c.sessions)),
		PerDevice:      make(map[string]brain.DeviceStats),
	}
	for _, m := range c.memories {
		ds := snap.PerDevice[m.DeviceID]
		ds.MemoryCount++
		snap.PerDevice[m.DeviceID] = ds
	}
	for _, k := range c.knowledge {
		ds := snap.PerDevice[k.DeviceID]
		ds.KnowledgeCount++
		snap.PerDevice[k.DeviceID] = ds
	}
	return snap, nil
}

// Close discards the cache.
func (c *Cache) Close() error {
	return nil
}

func (c *Cache) queryCollection(ctx context.Context, col *chromem.Collection, query []float32, topK int, threshold float64, where map[string]string) ([]vectors.Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	// chromem requires nResults <= collection size.
	n := topK
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, brain.NewBackendUnavailableError("cache vector query", err)
	}

	matches := make([]vectors.Match, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < threshold {
			continue
		}
		matches = append(matches, vectors.Match{ID: r.ID, Score: score})
	}
	return matches, nil
}

func deviceWhere(deviceFilter string) map[string]string {
	if deviceFilter == "" {
		return nil
	}
	return map[string]string{"device_id": deviceFilter}
}
