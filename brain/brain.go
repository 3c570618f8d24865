package brain

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/brain/embedder"
)

// Options tune the facade. Zero values fall back to the defaults below.
type Options struct {
	DefaultTopK     int           // results per retrieval when the caller passes 0
	Threshold       float64       // minimum similarity score for retrievals
	OpTimeout       time.Duration // per-operation deadline; 0 disables
	HeartbeatWindow time.Duration // how long a device stays fresh after being seen
}

const (
	defaultTopK            = 5
	defaultHeartbeatWindow = 5 * time.Minute
)

// Brain is the shared entry point for all chat clients. It validates input,
// stamps attribution and timestamps, embeds text, registers devices
// implicitly, and delegates persistence to the configured backend.
type Brain struct {
	backend  Backend
	embedder embedder.Embedder
	opts     Options
	logger   zerolog.Logger

	// lookaside of recently seen device ids so hot paths skip the upsert
	seen *ristretto.Cache
	cron *cron.Cron
}

// New wires a Brain over a backend and an embedder.
func New(backend Backend, emb embedder.Embedder, opts Options, logger zerolog.Logger) (*Brain, error) {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = defaultTopK
	}
	if opts.HeartbeatWindow <= 0 {
		opts.HeartbeatWindow = defaultHeartbeatWindow
	}

	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, NewBackendUnavailableError("device cache setup failed", err)
	}

	return &Brain{
		backend:  backend,
		embedder: emb,
		opts:     opts,
		logger:   logger.With().Str("component", "brain").Logger(),
		seen:     seen,
	}, nil
}

// RememberExchange stores one user/assistant exchange as a memory attributed
// to deviceID. The embedding is computed from the combined exchange text, the
// id and creation time are assigned here, and the device's heartbeat is
// refreshed as a side effect.
func (b *Brain) RememberExchange(ctx context.Context, deviceID, userMessage, botResponse, contextNote string, tags []string, metadata map[string]interface{}) (MemoryItem, error) {
	m := MemoryItem{
		ID:          uuid.NewString(),
		UserMessage: userMessage,
		BotResponse: botResponse,
		DeviceID:    deviceID,
		Context:     contextNote,
		Tags:        tags,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	// Validate before paying for an embedding.
	if err := m.validateContent(); err != nil {
		return MemoryItem{}, err
	}

	vec, err := b.embed(ctx, userMessage+"\n"+botResponse)
	if err != nil {
		return MemoryItem{}, err
	}
	m.Embedding = vec

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.ensureDevice(ctx, deviceID); err != nil {
		return MemoryItem{}, err
	}
	if err := b.backend.StoreMemory(ctx, m); err != nil {
		return MemoryItem{}, err
	}

	b.logger.Debug().
		Str("method", "RememberExchange").
		Str("memory_id", m.ID).
		Str("device_id", deviceID).
		Msg("Stored memory")
	return m, nil
}

// Recall embeds the query text and returns the most similar memories.
func (b *Brain) Recall(ctx context.Context, query string, opts RetrieveOptions) ([]MemoryResult, error) {
	if query == "" {
		return nil, NewValidationError("recall query is empty", nil)
	}
	vec, err := b.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return b.RecallByVector(ctx, vec, opts)
}

// RecallByVector retrieves memories for a pre-computed query embedding.
func (b *Brain) RecallByVector(ctx context.Context, query []float32, opts RetrieveOptions) ([]MemoryResult, error) {
	opts = b.fillOpts(opts)
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	results, err := b.backend.RetrieveMemories(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().
		Str("method", "RecallByVector").
		Int("results", len(results)).
		Strs("memory_ids", lo.Map(results, func(r MemoryResult, _ int) string { return r.Item.ID })).
		Msg("Recalled memories")
	return results, nil
}

// GetMemory fetches a single memory by id.
func (b *Brain) GetMemory(ctx context.Context, id string) (MemoryItem, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.GetMemory(ctx, id)
}

// TagMemory replaces the tag set of a stored memory.
func (b *Brain) TagMemory(ctx context.Context, id string, tags []string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.UpdateMemoryTags(ctx, id, tags)
}

// ForgetMemory removes a memory permanently.
func (b *Brain) ForgetMemory(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.DeleteMemory(ctx, id)
}

// LearnKnowledge stores one chunk of reference material attributed to
// deviceID. Chunk bookkeeping comes from the caller; the id and creation
// time are assigned here.
func (b *Brain) LearnKnowledge(ctx context.Context, deviceID, source, content string, chunkIndex, totalChunks int, tags []string, metadata map[string]interface{}) (KnowledgeItem, error) {
	k := KnowledgeItem{
		ID:          uuid.NewString(),
		Content:     content,
		Source:      source,
		DeviceID:    deviceID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Tags:        tags,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := k.validateContent(); err != nil {
		return KnowledgeItem{}, err
	}

	vec, err := b.embed(ctx, content)
	if err != nil {
		return KnowledgeItem{}, err
	}
	k.Embedding = vec

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.ensureDevice(ctx, deviceID); err != nil {
		return KnowledgeItem{}, err
	}
	if err := b.backend.StoreKnowledge(ctx, k); err != nil {
		return KnowledgeItem{}, err
	}

	b.logger.Debug().
		Str("method", "LearnKnowledge").
		Str("knowledge_id", k.ID).
		Str("source", source).
		Msg("Stored knowledge chunk")
	return k, nil
}

// SearchKnowledge embeds the query text and returns the most similar chunks.
func (b *Brain) SearchKnowledge(ctx context.Context, query string, opts RetrieveOptions) ([]KnowledgeResult, error) {
	if query == "" {
		return nil, NewValidationError("knowledge query is empty", nil)
	}
	vec, err := b.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	opts = b.fillOpts(opts)

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.RetrieveKnowledge(ctx, vec, opts)
}

// GetKnowledge fetches a single knowledge chunk by id.
func (b *Brain) GetKnowledge(ctx context.Context, id string) (KnowledgeItem, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.GetKnowledge(ctx, id)
}

// ForgetKnowledge removes a knowledge chunk permanently.
func (b *Brain) ForgetKnowledge(ctx context.Context, id string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.DeleteKnowledge(ctx, id)
}

// RegisterDevice upserts a full device record and marks it recently seen.
func (b *Brain) RegisterDevice(ctx context.Context, d DeviceContext) error {
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	if err := d.Validate(); err != nil {
		return err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.backend.UpsertDevice(ctx, d); err != nil {
		return err
	}
	b.seen.SetWithTTL(d.DeviceID, true, 1, b.opts.HeartbeatWindow)

	b.logger.Info().
		Str("method", "RegisterDevice").
		Str("device_id", d.DeviceID).
		Str("tier", string(d.HardwareTier)).
		Msg("Registered device")
	return nil
}

// Heartbeat refreshes a device's last-seen time and online status.
func (b *Brain) Heartbeat(ctx context.Context, deviceID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.touchDevice(ctx, deviceID)
}

// GetDevice fetches a device record by id.
func (b *Brain) GetDevice(ctx context.Context, deviceID string) (DeviceContext, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.GetDevice(ctx, deviceID)
}

// ListDevices lists all registered devices, most recently seen first.
func (b *Brain) ListDevices(ctx context.Context) ([]DeviceContext, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.ListDevices(ctx)
}

// AppendTurn appends one turn to a session, creating the session on first
// use. The turn's timestamp and attribution are filled in when missing.
func (b *Brain) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if turn.DeviceID != "" {
		if err := b.ensureDevice(ctx, turn.DeviceID); err != nil {
			return err
		}
	}
	return b.backend.AppendSessionTurn(ctx, sessionID, turn)
}

// GetSession fetches a session with its full turn history.
func (b *Brain) GetSession(ctx context.Context, sessionID string) (Session, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.GetSession(ctx, sessionID)
}

// ListSessions lists session headers, most recently active first.
func (b *Brain) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.ListSessions(ctx, limit)
}

// QueueSyncOperation records a cross-device change for a future sync pass.
// The operation id and timestamp are assigned here when missing.
func (b *Brain) QueueSyncOperation(ctx context.Context, op SyncOperation) (SyncOperation, error) {
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	}
	if err := op.Validate(); err != nil {
		return SyncOperation{}, err
	}

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	if err := b.backend.StoreSyncOperation(ctx, op); err != nil {
		return SyncOperation{}, err
	}
	return op, nil
}

// PendingSyncOperations lists a device's unresolved queue, oldest first.
func (b *Brain) PendingSyncOperations(ctx context.Context, deviceID string) ([]SyncOperation, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.PendingSyncOperations(ctx, deviceID)
}

// ResolveSyncOperation marks a queued operation applied.
func (b *Brain) ResolveSyncOperation(ctx context.Context, operationID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.ResolveSyncOperation(ctx, operationID)
}

// Stats reports item counts overall and per device.
func (b *Brain) Stats(ctx context.Context) (StatsSnapshot, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	return b.backend.Stats(ctx)
}

// SweepStaleDevices marks devices offline whose last heartbeat is older than
// the configured window, and returns how many it transitioned.
func (b *Brain) SweepStaleDevices(ctx context.Context) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	devices, err := b.backend.ListDevices(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-b.opts.HeartbeatWindow)
	stale := lo.Filter(devices, func(d DeviceContext, _ int) bool {
		return d.Status == StatusOnline && d.LastSeen.Before(cutoff)
	})

	swept := 0
	for _, d := range stale {
		d.Status = StatusOffline
		if err := b.backend.UpsertDevice(ctx, d); err != nil {
			b.logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("stale sweep upsert failed")
			continue
		}
		swept++
	}
	if swept > 0 {
		b.logger.Info().Int("devices", swept).Msg("Marked stale devices offline")
	}
	return swept, nil
}

// StartMaintenance schedules the stale-device sweep on the given cron spec
// (for example "@every 1m"). Call StopMaintenance or Close to stop it.
func (b *Brain) StartMaintenance(schedule string) error {
	if b.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := b.SweepStaleDevices(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("stale device sweep failed")
		}
	})
	if err != nil {
		return NewValidationError("invalid maintenance schedule: "+schedule, err)
	}
	c.Start()
	b.cron = c
	return nil
}

// StopMaintenance stops the maintenance scheduler, if running.
func (b *Brain) StopMaintenance() {
	if b.cron != nil {
		b.cron.Stop()
		b.cron = nil
	}
}

// Close stops maintenance and closes the backend.
func (b *Brain) Close() error {
	b.StopMaintenance()
	b.seen.Close()
	return b.backend.Close()
}

func (b *Brain) embed(ctx context.Context, text string) ([]float32, error) {
	if b.embedder == nil {
		return nil, NewEmbeddingError("no embedder configured", nil)
	}
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		if IsEmbedding(err) {
			return nil, err
		}
		return nil, NewEmbeddingError("embedding failed", err)
	}
	if len(vec) == 0 {
		return nil, NewEmbeddingError("embedder returned an empty vector", nil)
	}
	return vec, nil
}

// ensureDevice registers a minimal record for an unseen device so every
// stored item always has a resolvable owner. The lookaside keeps this off
// the hot path for devices seen within the heartbeat window.
func (b *Brain) ensureDevice(ctx context.Context, deviceID string) error {
	if _, ok := b.seen.Get(deviceID); ok {
		return nil
	}
	return b.touchDevice(ctx, deviceID)
}

// touchDevice refreshes a device's heartbeat, keeping whatever profile the
// device registered with. Unseen devices get a minimal unknown-tier record.
func (b *Brain) touchDevice(ctx context.Context, deviceID string) error {
	d, err := b.backend.GetDevice(ctx, deviceID)
	if err != nil {
		if !IsNotFound(err) {
			return err
		}
		d = DeviceContext{DeviceID: deviceID, HardwareTier: TierUnknown}
	}
	d.LastSeen = time.Now().UTC()
	d.Status = StatusOnline
	if err := b.backend.UpsertDevice(ctx, d); err != nil {
		return err
	}
	b.seen.SetWithTTL(deviceID, true, 1, b.opts.HeartbeatWindow)
	return nil
}

// fillOpts applies the deployment defaults. A zero Threshold means unset; a
// negative one is the explicit opt-out and is normalized to zero here.
func (b *Brain) fillOpts(opts RetrieveOptions) RetrieveOptions {
	if opts.TopK <= 0 {
		opts.TopK = b.opts.DefaultTopK
	}
	switch {
	case opts.Threshold < 0:
		opts.Threshold = 0
	case opts.Threshold == 0:
		opts.Threshold = b.opts.Threshold
	}
	return opts
}

func (b *Brain) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.opts.OpTimeout)
}
