package sqlite

import (
	"context"

	"github.com/aschepis/backscratcher/brain/brain"
)

// Stats returns entity counts for the whole pool plus per-device memory and
// knowledge counts. Read-only; served from the secondary device_id indexes.
func (s *Store) Stats(ctx context.Context) (brain.StatsSnapshot, error) {
	snap := brain.StatsSnapshot{PerDevice: make(map[string]brain.DeviceStats)}

	counts := []struct {
		table string
		dest  *int64
	}{
		{"memories", &snap.MemoryCount},
		{"knowledge", &snap.KnowledgeCount},
		{"devices", &snap.DeviceCount},
		{"sessions", &snap.SessionCount},
	}
	for _, c := range counts {
		queryStr, _, err := StatementBuilder().
			Select("COUNT(1)").
			From(c.table).
			ToSql()
		if err != nil {
			return brain.StatsSnapshot{}, wrapErr("build count query", err)
		}
		if err := s.db.QueryRowContext(ctx, queryStr).Scan(c.dest); err != nil {
			return brain.StatsSnapshot{}, wrapErr("count "+c.table, err)
		}
	}

	perDevice := []struct {
		table  string
		assign func(ds *brain.DeviceStats, n int64)
	}{
		{"memories", func(ds *brain.DeviceStats, n int64) { ds.MemoryCount = n }},
		{"knowledge", func(ds *brain.DeviceStats, n int64) { ds.KnowledgeCount = n }},
	}
	for _, pd := range perDevice {
		queryStr, _, err := StatementBuilder().
			Select("device_id", "COUNT(1)").
			From(pd.table).
			GroupBy("device_id").
			ToSql()
		if err != nil {
			return brain.StatsSnapshot{}, wrapErr("build per-device query", err)
		}
		rows, err := s.db.QueryContext(ctx, queryStr)
		if err != nil {
			return brain.StatsSnapshot{}, wrapErr("per-device count "+pd.table, err)
		}
		for rows.Next() {
			var (
				deviceID string
				n        int64
			)
			if err := rows.Scan(&deviceID, &n); err != nil {
				_ = rows.Close()
				return brain.StatsSnapshot{}, wrapErr("scan per-device count", err)
			}
			ds := snap.PerDevice[deviceID]
			pd.assign(&ds, n)
			snap.PerDevice[deviceID] = ds
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return brain.StatsSnapshot{}, wrapErr("iterate per-device counts", err)
		}
		_ = rows.Close()
	}

	return snap, nil
}
