// Package storage routes backend operations between a durable primary and an
// optional cache tier. The primary is always authoritative; the cache only
// accelerates vector retrieval and may be lost at any time.
package storage

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/brain/brain"
)

// Router implements brain.Backend over a primary backend and an optional
// cache. Writes go through to the primary and are then mirrored into the
// cache; cache failures are logged and swallowed. Vector retrieval consults
// the cache first and falls back to the primary on a miss or error.
type Router struct {
	primary brain.Backend
	cache   brain.Backend
	logger  zerolog.Logger
}

// NewRouter wires a primary backend with an optional cache. Pass a nil cache
// to route everything to the primary.
func NewRouter(primary brain.Backend, cache brain.Backend, logger zerolog.Logger) *Router {
	return &Router{
		primary: primary,
		cache:   cache,
		logger:  logger.With().Str("component", "storage_router").Logger(),
	}
}

// StoreMemory writes through: primary first, then best-effort cache mirror.
func (r *Router) StoreMemory(ctx context.Context, m brain.MemoryItem) error {
	if err := r.primary.StoreMemory(ctx, m); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.StoreMemory(ctx, m); err != nil {
			r.logger.Warn().Err(err).Str("memory_id", m.ID).Msg("cache mirror failed")
		}
	}
	return nil
}

// GetMemory reads from the primary. Point lookups are cheap there and the
// cache may lag behind tag updates.
func (r *Router) GetMemory(ctx context.Context, id string) (brain.MemoryItem, error) {
	return r.primary.GetMemory(ctx, id)
}

// RetrieveMemories consults the cache first. An error or empty result from
// the cache falls through to the primary, and primary hits are mirrored back
// into the cache so the next query can be served locally.
func (r *Router) RetrieveMemories(ctx context.Context, query []float32, opts brain.RetrieveOptions) ([]brain.MemoryResult, error) {
	if r.cache != nil {
		results, err := r.cache.RetrieveMemories(ctx, query, opts)
		if err == nil && len(results) > 0 {
			return results, nil
		}
		if err != nil {
			r.logger.Warn().Err(err).Msg("cache memory retrieval failed, falling back to primary")
		}
	}

	results, err := r.primary.RetrieveMemories(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		for _, res := range results {
			if cerr := r.cache.StoreMemory(ctx, res.Item); cerr != nil {
				r.logger.Warn().Err(cerr).Str("memory_id", res.Item.ID).Msg("cache populate failed")
				break
			}
		}
	}
	return results, nil
}

// UpdateMemoryTags updates the primary and keeps the cached copy in step.
func (r *Router) UpdateMemoryTags(ctx context.Context, id string, tags []string) error {
	if err := r.primary.UpdateMemoryTags(ctx, id, tags); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.UpdateMemoryTags(ctx, id, tags); err != nil && !brain.IsNotFound(err) {
			r.logger.Warn().Err(err).Str("memory_id", id).Msg("cache tag update failed")
		}
	}
	return nil
}

// DeleteMemory deletes from the primary and evicts the cached copy.
func (r *Router) DeleteMemory(ctx context.Context, id string) error {
	if err := r.primary.DeleteMemory(ctx, id); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.DeleteMemory(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("memory_id", id).Msg("cache eviction failed")
		}
	}
	return nil
}

// StoreKnowledge writes through to the primary and mirrors into the cache.
func (r *Router) StoreKnowledge(ctx context.Context, k brain.KnowledgeItem) error {
	if err := r.primary.StoreKnowledge(ctx, k); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.StoreKnowledge(ctx, k); err != nil {
			r.logger.Warn().Err(err).Str("knowledge_id", k.ID).Msg("cache mirror failed")
		}
	}
	return nil
}

// GetKnowledge reads from the primary.
func (r *Router) GetKnowledge(ctx context.Context, id string) (brain.KnowledgeItem, error) {
	return r.primary.GetKnowledge(ctx, id)
}

// RetrieveKnowledge is the knowledge-side cache-first retrieval.
func (r *Router) RetrieveKnowledge(ctx context.Context, query []float32, opts brain.RetrieveOptions) ([]brain.KnowledgeResult, error) {
	if r.cache != nil {
		results, err := r.cache.RetrieveKnowledge(ctx, query, opts)
		if err == nil && len(results) > 0 {
			return results, nil
		}
		if err != nil {
			r.logger.Warn().Err(err).Msg("cache knowledge retrieval failed, falling back to primary")
		}
	}

	results, err := r.primary.RetrieveKnowledge(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		for _, res := range results {
			if cerr := r.cache.StoreKnowledge(ctx, res.Item); cerr != nil {
				r.logger.Warn().Err(cerr).Str("knowledge_id", res.Item.ID).Msg("cache populate failed")
				break
			}
		}
	}
	return results, nil
}

// DeleteKnowledge deletes from the primary and evicts the cached copy.
func (r *Router) DeleteKnowledge(ctx context.Context, id string) error {
	if err := r.primary.DeleteKnowledge(ctx, id); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.DeleteKnowledge(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str("knowledge_id", id).Msg("cache eviction failed")
		}
	}
	return nil
}

// UpsertDevice writes through. The primary applies conflict resolution, so
// the cache mirror sees the same record the primary accepted or rejected.
func (r *Router) UpsertDevice(ctx context.Context, d brain.DeviceContext) error {
	if err := r.primary.UpsertDevice(ctx, d); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.UpsertDevice(ctx, d); err != nil {
			r.logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("cache mirror failed")
		}
	}
	return nil
}

// GetDevice reads from the primary.
func (r *Router) GetDevice(ctx context.Context, deviceID string) (brain.DeviceContext, error) {
	return r.primary.GetDevice(ctx, deviceID)
}

// ListDevices reads from the primary.
func (r *Router) ListDevices(ctx context.Context) ([]brain.DeviceContext, error) {
	return r.primary.ListDevices(ctx)
}

// AppendSessionTurn writes through to the primary and mirrors into the cache.
func (r *Router) AppendSessionTurn(ctx context.Context, sessionID string, turn brain.Turn) error {
	if err := r.primary.AppendSessionTurn(ctx, sessionID, turn); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.AppendSessionTurn(ctx, sessionID, turn); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("cache mirror failed")
		}
	}
	return nil
}

// GetSession reads from the primary.
func (r *Router) GetSession(ctx context.Context, sessionID string) (brain.Session, error) {
	return r.primary.GetSession(ctx, sessionID)
}

// ListSessions reads from the primary.
func (r *Router) ListSessions(ctx context.Context, limit int) ([]brain.Session, error) {
	return r.primary.ListSessions(ctx, limit)
}

// StoreSyncOperation writes through to the primary.
func (r *Router) StoreSyncOperation(ctx context.Context, op brain.SyncOperation) error {
	if err := r.primary.StoreSyncOperation(ctx, op); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.StoreSyncOperation(ctx, op); err != nil {
			r.logger.Warn().Err(err).Str("operation_id", op.OperationID).Msg("cache mirror failed")
		}
	}
	return nil
}

// PendingSyncOperations reads from the primary; the sync queue drives
// durability decisions and must never be served from a lossy tier.
func (r *Router) PendingSyncOperations(ctx context.Context, deviceID string) ([]brain.SyncOperation, error) {
	return r.primary.PendingSyncOperations(ctx, deviceID)
}

// ResolveSyncOperation resolves on the primary and mirrors the resolution.
func (r *Router) ResolveSyncOperation(ctx context.Context, operationID string) error {
	if err := r.primary.ResolveSyncOperation(ctx, operationID); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.ResolveSyncOperation(ctx, operationID); err != nil {
			r.logger.Warn().Err(err).Str("operation_id", operationID).Msg("cache mirror failed")
		}
	}
	return nil
}

// Stats reads from the primary.
func (r *Router) Stats(ctx context.Context) (brain.StatsSnapshot, error) {
	return r.primary.Stats(ctx)
}

// Close closes both tiers. The primary error wins when both fail.
func (r *Router) Close() error {
	var cacheErr error
	if r.cache != nil {
		cacheErr = r.cache.Close()
	}
	if err := r.primary.Close(); err != nil {
		return err
	}
	return cacheErr
}
