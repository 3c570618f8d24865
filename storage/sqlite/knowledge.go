package sqlite

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/aschepis/backscratcher/brain/brain"
	"github.com/aschepis/backscratcher/brain/vectors"
)

func knowledgeColumns() []string {
	return []string{
		"id", "content", "embedding", "source", "device_id",
		"chunk_index", "total_chunks", "tags_json", "metadata", "created_at",
	}
}

// StoreKnowledge persists one chunk of ingested reference material.
func (s *Store) StoreKnowledge(ctx context.Context, k brain.KnowledgeItem) error {
	if err := k.Validate(); err != nil {
		return err
	}
	if err := s.checkEmbedding(k.Embedding); err != nil {
		return err
	}

	tagsJSON, err := marshalStrings(k.Tags)
	if err != nil {
		return wrapErr("marshal tags", err)
	}
	metaJSON, err := marshalJSON(k.Metadata)
	if err != nil {
		return wrapErr("marshal metadata", err)
	}

	query := StatementBuilder().
		Insert("knowledge").
		Columns(knowledgeColumns()...).
		Values(k.ID, k.Content, vectors.EncodeEmbedding(k.Embedding), k.Source, k.DeviceID,
			k.ChunkIndex, k.TotalChunks, tagsJSON, metaJSON, k.CreatedAt.UnixMilli())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build insert query", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("insert knowledge", err)
	}

	s.logger.Debug().
		Str("method", "StoreKnowledge").
		Str("id", k.ID).
		Str("source", k.Source).
		Int("chunk_index", k.ChunkIndex).
		Msg("knowledge stored")
	return nil
}

// GetKnowledge loads a single knowledge chunk by id.
func (s *Store) GetKnowledge(ctx context.Context, id string) (brain.KnowledgeItem, error) {
	query := StatementBuilder().
		Select(knowledgeColumns()...).
		From("knowledge").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return brain.KnowledgeItem{}, wrapErr("build select query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return brain.KnowledgeItem{}, wrapErr("query knowledge", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return brain.KnowledgeItem{}, wrapErr("query knowledge", err)
		}
		return brain.KnowledgeItem{}, brain.NewNotFoundError("knowledge not found: "+id, nil)
	}
	item, err := scanKnowledgeRow(rows)
	if err != nil {
		return brain.KnowledgeItem{}, wrapErr("scan knowledge", err)
	}
	return item, nil
}

// RetrieveKnowledge is the knowledge-side similarity query, symmetric to
// RetrieveMemories, with an extra optional source filter.
func (s *Store) RetrieveKnowledge(ctx context.Context, queryVec []float32, opts brain.RetrieveOptions) ([]brain.KnowledgeResult, error) {
	if err := s.checkEmbedding(queryVec); err != nil {
		return nil, err
	}

	query := StatementBuilder().
		Select(knowledgeColumns()...).
		From("knowledge").
		OrderBy("created_at ASC", "id ASC").
		Limit(candidateLimit)
	if opts.DeviceFilter != "" {
		query = query.Where(sq.Eq{"device_id": opts.DeviceFilter})
	}
	if opts.SourceFilter != "" {
		query = query.Where(sq.Eq{"source": opts.SourceFilter})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, wrapErr("build candidate query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, wrapErr("query knowledge candidates", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	items := make(map[string]brain.KnowledgeItem)
	var candidates []vectors.Candidate
	for rows.Next() {
		item, err := scanKnowledgeRow(rows)
		if err != nil {
			return nil, wrapErr("scan knowledge candidate", err)
		}
		items[item.ID] = item
		candidates = append(candidates, vectors.Candidate{ID: item.ID, Vector: item.Embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate knowledge candidates", err)
	}

	matches := vectors.Rank(queryVec, candidates, opts.TopK, opts.Threshold, s.metric)
	results := make([]brain.KnowledgeResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, brain.KnowledgeResult{Item: items[m.ID], Score: m.Score})
	}
	return results, nil
}

// DeleteKnowledge removes one chunk, as used when a source is re-ingested.
func (s *Store) DeleteKnowledge(ctx context.Context, id string) error {
	query := StatementBuilder().
		Delete("knowledge").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build delete query", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return wrapErr("delete knowledge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("delete knowledge", err)
	}
	if n == 0 {
		return brain.NewNotFoundError("knowledge not found: "+id, nil)
	}
	return nil
}

func scanKnowledgeRow(rows *sql.Rows) (brain.KnowledgeItem, error) {
	var (
		id, content, source, deviceID string
		embBlob                       []byte
		chunkIndex, totalChunks       int
		tagsJSON, metaJSON            sql.NullString
		createdAt                     int64
	)
	if err := rows.Scan(&id, &content, &embBlob, &source, &deviceID,
		&chunkIndex, &totalChunks, &tagsJSON, &metaJSON, &createdAt); err != nil {
		return brain.KnowledgeItem{}, err
	}

	vec, err := vectors.DecodeEmbedding(embBlob)
	if err != nil {
		return brain.KnowledgeItem{}, err
	}

	return brain.KnowledgeItem{
		ID:          id,
		Content:     content,
		Embedding:   vec,
		Source:      source,
		DeviceID:    deviceID,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		Tags:        unmarshalStrings(tagsJSON),
		Metadata:    unmarshalMap(metaJSON),
		CreatedAt:   millisToTime(createdAt),
	}, nil
}
