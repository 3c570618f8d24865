package sqlite

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/vectors"
)

func memoryColumns() []string {
	return []string{
		"id", "user_message", "bot_response", "embedding", "device_id",
		"context", "tags_json", "metadata", "created_at",
	}
}

// StoreMemory persists one conversational turn in a single transaction.
func (s *Store) StoreMemory(ctx context.Context, m brain.MemoryItem) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := s.checkEmbedding(m.Embedding); err != nil {
		return err
	}

	tagsJSON, err := marshalStrings(m.Tags)
	if err != nil {
		return wrapErr("marshal tags", err)
	}
	metaJSON, err := marshalJSON(m.Metadata)
	if err != nil {
		return wrapErr("marshal metadata", err)
	}

	query := StatementBuilder().
		Insert("memories").
		Columns(memoryColumns()...).
		Values(m.ID, m.UserMessage, m.BotResponse, vectors.EncodeEmbedding(m.Embedding),
			m.DeviceID, m.Context, tagsJSON, metaJSON, m.CreatedAt.UnixMilli())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build insert query", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("insert memory", err)
	}

	s.logger.Debug().
		Str("method", "StoreMemory").
		Str("id", m.ID).
		Str("device_id", m.DeviceID).
		Msg("memory stored")
	return nil
}

// GetMemory loads a single memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (brain.MemoryItem, error) {
	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return brain.MemoryItem{}, wrapErr("build select query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return brain.MemoryItem{}, wrapErr("query memory", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return brain.MemoryItem{}, wrapErr("query memory", err)
		}
		return brain.MemoryItem{}, brain.NewNotFoundError("memory not found: "+id, nil)
	}
	item, err := scanMemoryRow(rows)
	if err != nil {
		return brain.MemoryItem{}, wrapErr("scan memory", err)
	}
	return item, nil
}

// RetrieveMemories loads candidate embeddings (optionally pre-filtered by
// device), ranks them with the similarity engine, and returns hydrated items
// for the winners. Never mutates; an empty result is valid.
func (s *Store) RetrieveMemories(ctx context.Context, queryVec []float32, opts brain.RetrieveOptions) ([]brain.MemoryResult, error) {
	if err := s.checkEmbedding(queryVec); err != nil {
		return nil, err
	}

	query := StatementBuilder().
		Select(memoryColumns()...).
		From("memories").
		OrderBy("created_at ASC", "id ASC").
		Limit(candidateLimit)
	if opts.DeviceFilter != "" {
		query = query.Where(sq.Eq{"device_id": opts.DeviceFilter})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, wrapErr("build candidate query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, wrapErr("query memory candidates", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	items := make(map[string]brain.MemoryItem)
	var candidates []vectors.Candidate
	for rows.Next() {
		item, err := scanMemoryRow(rows)
		if err != nil {
			return nil, wrapErr("scan memory candidate", err)
		}
		items[item.ID] = item
		candidates = append(candidates, vectors.Candidate{ID: item.ID, Vector: item.Embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate memory candidates", err)
	}

	matches := vectors.Rank(queryVec, candidates, opts.TopK, opts.Threshold, s.metric)
	results := make([]brain.MemoryResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, brain.MemoryResult{Item: items[m.ID], Score: m.Score})
	}

	s.logger.Debug().
		Str("method", "RetrieveMemories").
		Int("candidates", len(candidates)).
		Int("results", len(results)).
		Msg("similarity query complete")
	return results, nil
}

// UpdateMemoryTags replaces the tag set of an existing memory.
func (s *Store) UpdateMemoryTags(ctx context.Context, id string, tags []string) error {
	tagsJSON, err := marshalStrings(tags)
	if err != nil {
		return wrapErr("marshal tags", err)
	}

	query := StatementBuilder().
		Update("memories").
		Set("tags_json", tagsJSON).
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build update query", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return wrapErr("update memory tags", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("update memory tags", err)
	}
	if n == 0 {
		return brain.NewNotFoundError("memory not found: "+id, nil)
	}
	return nil
}

// DeleteMemory removes a memory. Deleting an absent id is a not-found error
// so retention scans can tell what they actually removed.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	query := StatementBuilder().
		Delete("memories").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build delete query", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return wrapErr("delete memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("delete memory", err)
	}
	if n == 0 {
		return brain.NewNotFoundError("memory not found: "+id, nil)
	}
	return nil
}

func scanMemoryRow(rows *sql.Rows) (brain.MemoryItem, error) {
	var (
		id, userMessage, botResponse, deviceID string
		embBlob                                []byte
		contextStr, tagsJSON, metaJSON         sql.NullString
		createdAt                              int64
	)
	if err := rows.Scan(&id, &userMessage, &botResponse, &embBlob, &deviceID,
		&contextStr, &tagsJSON, &metaJSON, &createdAt); err != nil {
		return brain.MemoryItem{}, err
	}

	vec, err := vectors.DecodeEmbedding(embBlob)
	if err != nil {
		return brain.MemoryItem{}, err
	}

	return brain.MemoryItem{
		ID:          id,
		UserMessage: userMessage,
		BotResponse: botResponse,
		Embedding:   vec,
		DeviceID:    deviceID,
		Context:     contextStr.String,
		Tags:        unmarshalStrings(tagsJSON),
		Metadata:    unmarshalMap(metaJSON),
		CreatedAt:   millisToTime(createdAt),
	}, nil
}
