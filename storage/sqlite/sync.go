package sqlite

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/aschepis/backscratcher/brain/brain"
)

// StoreSyncOperation queues a cross-device change for a future sync layer.
func (s *Store) StoreSyncOperation(ctx context.Context, op brain.SyncOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = millisToTime(nowMillis())
	}

	dataJSON, err := marshalJSON(op.Data)
	if err != nil {
		return wrapErr("marshal sync data", err)
	}

	query := StatementBuilder().
		Insert("sync_operations").
		Columns("operation_id", "operation_type", "item_type", "item_id",
			"device_id", "timestamp", "data", "resolved").
		Values(op.OperationID, op.OperationType, op.ItemType, op.ItemID,
			op.DeviceID, op.Timestamp.UnixMilli(), dataJSON, boolToInt(op.Resolved))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build insert query", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("insert sync operation", err)
	}
	return nil
}

// PendingSyncOperations returns unresolved operations originating from a
// device, oldest first so replay preserves causal order.
func (s *Store) PendingSyncOperations(ctx context.Context, deviceID string) ([]brain.SyncOperation, error) {
	query := StatementBuilder().
		Select("operation_id", "operation_type", "item_type", "item_id",
			"device_id", "timestamp", "data", "resolved").
		From("sync_operations").
		Where(sq.Eq{"device_id": deviceID, "resolved": 0}).
		OrderBy("timestamp ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, wrapErr("build select query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, wrapErr("query sync operations", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var ops []brain.SyncOperation
	for rows.Next() {
		var (
			opID, opType, itemType, itemID, devID string
			ts                                    int64
			dataJSON                              sql.NullString
			resolved                              int
		)
		if err := rows.Scan(&opID, &opType, &itemType, &itemID, &devID, &ts, &dataJSON, &resolved); err != nil {
			return nil, wrapErr("scan sync operation", err)
		}
		ops = append(ops, brain.SyncOperation{
			OperationID:   opID,
			OperationType: opType,
			ItemType:      itemType,
			ItemID:        itemID,
			DeviceID:      devID,
			Timestamp:     millisToTime(ts),
			Data:          unmarshalMap(dataJSON),
			Resolved:      resolved != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate sync operations", err)
	}
	return ops, nil
}

// ResolveSyncOperation marks an operation applied. Resolving an already
// resolved or absent operation is a no-op, which keeps replay idempotent.
func (s *Store) ResolveSyncOperation(ctx context.Context, operationID string) error {
	query := StatementBuilder().
		Update("sync_operations").
		Set("resolved", 1).
		Where(sq.Eq{"operation_id": operationID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build update query", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("resolve sync operation", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
