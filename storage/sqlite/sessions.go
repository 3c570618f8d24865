package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/aschepis/backscratcher/brain/brain"
)

// AppendSessionTurn appends one turn to a conversation session, creating the
// session row on first use. The session upsert, the turn insert, and the
// last-active refresh commit atomically so a reader never observes a turn
// without its session.
func (s *Store) AppendSessionTurn(ctx context.Context, sessionID string, turn brain.Turn) error {
	if strings.TrimSpace(sessionID) == "" {
		return brain.NewValidationError("session id is empty", nil)
	}
	if strings.TrimSpace(turn.Content) == "" {
		return brain.NewValidationError("turn content is empty", nil)
	}
	if strings.TrimSpace(turn.DeviceID) == "" {
		return brain.NewValidationError("turn device_id is empty", nil)
	}
	if turn.Role == "" {
		turn.Role = "user"
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = millisToTime(nowMillis())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := turn.CreatedAt.UnixMilli()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return wrapErr("check session", err)
	}

	if exists == 0 {
		insert := StatementBuilder().
			Insert("sessions").
			Columns("session_id", "device_id", "started_at", "last_active").
			Values(sessionID, turn.DeviceID, nowMs, nowMs)
		queryStr, args, err := insert.ToSql()
		if err != nil {
			return wrapErr("build session insert", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return wrapErr("insert session", err)
		}
	} else {
		update := StatementBuilder().
			Update("sessions").
			Set("last_active", nowMs).
			Where(sq.Eq{"session_id": sessionID})
		queryStr, args, err := update.ToSql()
		if err != nil {
			return wrapErr("build session update", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return wrapErr("update session", err)
		}
	}

	insertTurn := StatementBuilder().
		Insert("session_turns").
		Columns("session_id", "memory_id", "role", "content", "device_id", "created_at").
		Values(sessionID, nullable(turn.MemoryID), turn.Role, turn.Content, turn.DeviceID, nowMs)
	queryStr, args, err := insertTurn.ToSql()
	if err != nil {
		return wrapErr("build turn insert", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("insert session turn", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit session turn", err)
	}

	s.logger.Debug().
		Str("method", "AppendSessionTurn").
		Str("session_id", sessionID).
		Str("device_id", turn.DeviceID).
		Msg("session turn appended")
	return nil
}

// GetSession loads a session with its turns in append order.
func (s *Store) GetSession(ctx context.Context, sessionID string) (brain.Session, error) {
	query := StatementBuilder().
		Select("session_id", "device_id", "started_at", "last_active").
		From("sessions").
		Where(sq.Eq{"session_id": sessionID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return brain.Session{}, wrapErr("build session query", err)
	}

	var (
		devID                string
		startedAt, lastActMs int64
	)
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&sessionID, &devID, &startedAt, &lastActMs)
	if errors.Is(err, sql.ErrNoRows) {
		return brain.Session{}, brain.NewNotFoundError("session not found: "+sessionID, nil)
	}
	if err != nil {
		return brain.Session{}, wrapErr("scan session", err)
	}

	session := brain.Session{
		SessionID:  sessionID,
		DeviceID:   devID,
		StartedAt:  millisToTime(startedAt),
		LastActive: millisToTime(lastActMs),
	}

	turnsQuery := StatementBuilder().
		Select("memory_id", "role", "content", "device_id", "created_at").
		From("session_turns").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id ASC")

	queryStr, args, err = turnsQuery.ToSql()
	if err != nil {
		return brain.Session{}, wrapErr("build turns query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return brain.Session{}, wrapErr("query session turns", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	for rows.Next() {
		var (
			memoryID            sql.NullString
			role, content, dvID string
			createdAt           int64
		)
		if err := rows.Scan(&memoryID, &role, &content, &dvID, &createdAt); err != nil {
			return brain.Session{}, wrapErr("scan session turn", err)
		}
		session.Turns = append(session.Turns, brain.Turn{
			MemoryID:  memoryID.String,
			Role:      role,
			Content:   content,
			DeviceID:  dvID,
			CreatedAt: millisToTime(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return brain.Session{}, wrapErr("iterate session turns", err)
	}
	return session, nil
}

// ListSessions returns session headers (no turns), most recently active
// first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]brain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := StatementBuilder().
		Select("session_id", "device_id", "started_at", "last_active").
		From("sessions").
		OrderBy("last_active DESC").
		Limit(uint64(limit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, wrapErr("build sessions query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, wrapErr("query sessions", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var sessions []brain.Session
	for rows.Next() {
		var (
			sessID, devID        string
			startedAt, lastActMs int64
		)
		if err := rows.Scan(&sessID, &devID, &startedAt, &lastActMs); err != nil {
			return nil, wrapErr("scan session", err)
		}
		sessions = append(sessions, brain.Session{
			SessionID:  sessID,
			DeviceID:   devID,
			StartedAt:  millisToTime(startedAt),
			LastActive: millisToTime(lastActMs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate sessions", err)
	}
	return sessions, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
