package sqlite

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/aschepis/backscratcher/brain/brain"
)

func deviceColumns() []string {
	return []string{
		"device_id", "hardware_tier", "capabilities_json", "specialization",
		"location", "hostname", "ip_address", "last_seen", "status",
		"version", "metadata",
	}
}

// UpsertDevice creates or refreshes a device record. Registration has upsert
// semantics: an existing id is refreshed, never duplicated, and conflicts
// between competing writers resolve last-write-wins on LastSeen with
// hardware-tier priority breaking exact ties. The read and the conditional
// write run in one transaction so concurrent upserts serialize.
func (s *Store) UpsertDevice(ctx context.Context, d brain.DeviceContext) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = brain.StatusOnline
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = millisToTime(nowMillis())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getDeviceTx(ctx, tx, d.DeviceID)
	switch {
	case err == nil:
		if !wins(d, existing) {
			s.logger.Debug().
				Str("method", "UpsertDevice").
				Str("device_id", d.DeviceID).
				Msg("incoming update lost conflict resolution, keeping existing record")
			return nil
		}
		if err := writeDeviceTx(ctx, tx, d, true); err != nil {
			return err
		}
	case brain.IsNotFound(err):
		if err := writeDeviceTx(ctx, tx, d, false); err != nil {
			return err
		}
	default:
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit device upsert", err)
	}

	s.logger.Debug().
		Str("method", "UpsertDevice").
		Str("device_id", d.DeviceID).
		Str("tier", string(d.HardwareTier)).
		Str("status", string(d.Status)).
		Msg("device upserted")
	return nil
}

// wins decides whether the incoming record replaces the stored one:
// later LastSeen wins outright; an exact tie goes to the higher hardware
// tier, and to the incoming write when tiers are equal too.
func wins(incoming, existing brain.DeviceContext) bool {
	if incoming.LastSeen.After(existing.LastSeen) {
		return true
	}
	if incoming.LastSeen.Before(existing.LastSeen) {
		return false
	}
	return incoming.HardwareTier.Priority() >= existing.HardwareTier.Priority()
}

func getDeviceTx(ctx context.Context, tx *sql.Tx, deviceID string) (brain.DeviceContext, error) {
	query := StatementBuilder().
		Select(deviceColumns()...).
		From("devices").
		Where(sq.Eq{"device_id": deviceID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return brain.DeviceContext{}, wrapErr("build select query", err)
	}

	row := tx.QueryRowContext(ctx, queryStr, args...)
	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return brain.DeviceContext{}, brain.NewNotFoundError("device not found: "+deviceID, nil)
	}
	if err != nil {
		return brain.DeviceContext{}, wrapErr("scan device", err)
	}
	return d, nil
}

func writeDeviceTx(ctx context.Context, tx *sql.Tx, d brain.DeviceContext, update bool) error {
	capsJSON, err := marshalStrings(d.Capabilities)
	if err != nil {
		return wrapErr("marshal capabilities", err)
	}
	metaJSON, err := marshalJSON(d.Metadata)
	if err != nil {
		return wrapErr("marshal metadata", err)
	}

	var query sq.Sqlizer
	if update {
		query = StatementBuilder().
			Update("devices").
			Set("hardware_tier", string(d.HardwareTier)).
			Set("capabilities_json", capsJSON).
			Set("specialization", d.Specialization).
			Set("location", d.Location).
			Set("hostname", d.Hostname).
			Set("ip_address", d.IPAddress).
			Set("last_seen", d.LastSeen.UnixMilli()).
			Set("status", string(d.Status)).
			Set("version", d.Version).
			Set("metadata", metaJSON).
			Where(sq.Eq{"device_id": d.DeviceID})
	} else {
		query = StatementBuilder().
			Insert("devices").
			Columns(deviceColumns()...).
			Values(d.DeviceID, string(d.HardwareTier), capsJSON, d.Specialization,
				d.Location, d.Hostname, d.IPAddress, d.LastSeen.UnixMilli(),
				string(d.Status), d.Version, metaJSON)
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return wrapErr("build device write", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return wrapErr("write device", err)
	}
	return nil
}

// GetDevice loads a single device record.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (brain.DeviceContext, error) {
	query := StatementBuilder().
		Select(deviceColumns()...).
		From("devices").
		Where(sq.Eq{"device_id": deviceID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return brain.DeviceContext{}, wrapErr("build select query", err)
	}

	row := s.db.QueryRowContext(ctx, queryStr, args...)
	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return brain.DeviceContext{}, brain.NewNotFoundError("device not found: "+deviceID, nil)
	}
	if err != nil {
		return brain.DeviceContext{}, wrapErr("scan device", err)
	}
	return d, nil
}

// ListDevices returns every registered device, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]brain.DeviceContext, error) {
	query := StatementBuilder().
		Select(deviceColumns()...).
		From("devices").
		OrderBy("last_seen DESC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, wrapErr("build select query", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, wrapErr("query devices", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var devices []brain.DeviceContext
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, wrapErr("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate devices", err)
	}
	return devices, nil
}

// rowScanner lets the same scan code serve QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRow(row rowScanner) (brain.DeviceContext, error) {
	var (
		deviceID, tier, status                   string
		capsJSON, spec, loc, host, ip, ver, meta sql.NullString
		lastSeen                                 int64
	)
	if err := row.Scan(&deviceID, &tier, &capsJSON, &spec, &loc, &host, &ip,
		&lastSeen, &status, &ver, &meta); err != nil {
		return brain.DeviceContext{}, err
	}

	return brain.DeviceContext{
		DeviceID:       deviceID,
		HardwareTier:   brain.DeviceTier(tier),
		Capabilities:   unmarshalStrings(capsJSON),
		Specialization: spec.String,
		Location:       loc.String,
		Hostname:       host.String,
		IPAddress:      ip.String,
		LastSeen:       millisToTime(lastSeen),
		Status:         brain.DeviceStatus(status),
		Version:        ver.String,
		Metadata:       unmarshalMap(meta),
	}, nil
}
