package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/civicfleet/compliance-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS devices (
	device_id   TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	device_json TEXT NOT NULL,
	recorded    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	recorded    INTEGER NOT NULL,
	event_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS geographies (
	geography_id   TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT,
	geography_json TEXT NOT NULL,
	publish_date   INTEGER
);

CREATE TABLE IF NOT EXISTS policies (
	policy_id    TEXT PRIMARY KEY,
	policy_json  TEXT NOT NULL,
	start_date   INTEGER NOT NULL,
	end_date     INTEGER,
	publish_date INTEGER
);

CREATE TABLE IF NOT EXISTS compliance_snapshots (
	snapshot_id      TEXT PRIMARY KEY,
	provider_id      TEXT NOT NULL,
	policy_id        TEXT NOT NULL,
	compliance_as_of INTEGER NOT NULL,
	total_violations INTEGER NOT NULL,
	snapshot_json    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_provider ON devices(provider_id);
CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded);
CREATE INDEX IF NOT EXISTS idx_policies_dates ON policies(start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_snapshots_provider_policy ON compliance_snapshots(provider_id, policy_id, compliance_as_of);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Devices and events

func (s *SQLiteStore) WriteDevice(ctx context.Context, device model.Device) error {
	deviceJSON, err := json.Marshal(device)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal device")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, provider_id, device_json, recorded) VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET device_json = excluded.device_json, recorded = excluded.recorded`,
		device.DeviceID.String(), device.ProviderID.String(), string(deviceJSON), int64(device.Recorded),
	)
	return eris.Wrapf(err, "sqlite: write device %s", device.DeviceID)
}

func (s *SQLiteStore) ReadDeviceIDs(ctx context.Context, providerID *uuid.UUID) ([]DeviceRecord, error) {
	query := `SELECT device_id, provider_id FROM devices`
	var args []any
	if providerID != nil {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID.String())
	}
	query += ` ORDER BY device_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read device ids")
	}
	defer rows.Close()

	var records []DeviceRecord
	for rows.Next() {
		var deviceID, provID string
		if err := rows.Scan(&deviceID, &provID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan device id")
		}
		did, err := uuid.Parse(deviceID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse device id")
		}
		pid, err := uuid.Parse(provID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse provider id")
		}
		records = append(records, DeviceRecord{DeviceID: did, ProviderID: pid})
	}
	return records, eris.Wrap(rows.Err(), "sqlite: read device ids iterate")
}

func (s *SQLiteStore) ReadDevices(ctx context.Context, ids []uuid.UUID) ([]model.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT device_json FROM devices WHERE device_id IN (` + placeholders(len(ids)) + `) ORDER BY device_id`
	rows, err := s.db.QueryContext(ctx, query, uuidArgs(ids)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read devices")
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var deviceJSON string
		if err := rows.Scan(&deviceJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan device")
		}
		var d model.Device
		if err := json.Unmarshal([]byte(deviceJSON), &d); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal device")
		}
		devices = append(devices, d)
	}
	return devices, eris.Wrap(rows.Err(), "sqlite: read devices iterate")
}

func (s *SQLiteStore) ReadProviderIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT provider_id FROM devices ORDER BY provider_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read provider ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider id")
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse provider id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: read provider ids iterate")
}

func (s *SQLiteStore) WriteEvent(ctx context.Context, event model.VehicleEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (device_id, provider_id, timestamp, recorded, event_json) VALUES (?, ?, ?, ?, ?)`,
		event.DeviceID.String(), event.ProviderID.String(), int64(event.Timestamp), int64(event.Recorded), string(eventJSON),
	)
	return eris.Wrapf(err, "sqlite: write event for device %s", event.DeviceID)
}

func (s *SQLiteStore) WriteEvents(ctx context.Context, events []model.VehicleEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin write events")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (device_id, provider_id, timestamp, recorded, event_json) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare write events")
	}
	defer stmt.Close()

	var n int64
	for _, e := range events {
		eventJSON, err := json.Marshal(e)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal event")
		}
		if _, err := stmt.ExecContext(ctx,
			e.DeviceID.String(), e.ProviderID.String(), int64(e.Timestamp), int64(e.Recorded), string(eventJSON),
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: write event for device %s", e.DeviceID)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit write events")
	}
	return n, nil
}

func (s *SQLiteStore) ReadLatestEventsPerDevice(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]model.VehicleEvent, error) {
	if len(deviceIDs) == 0 {
		return map[uuid.UUID]model.VehicleEvent{}, nil
	}
	// Correlated subquery picks the newest row per device; id breaks
	// timestamp ties in favor of the later write.
	query := `SELECT e.device_id, e.event_json FROM events e
	 WHERE e.device_id IN (` + placeholders(len(deviceIDs)) + `)
	 AND e.id = (SELECT e2.id FROM events e2 WHERE e2.device_id = e.device_id
	             ORDER BY e2.timestamp DESC, e2.id DESC LIMIT 1)`
	rows, err := s.db.QueryContext(ctx, query, uuidArgs(deviceIDs)...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read latest events")
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]model.VehicleEvent, len(deviceIDs))
	for rows.Next() {
		var rawID, eventJSON string
		if err := rows.Scan(&rawID, &eventJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan latest event")
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse device id")
		}
		var e model.VehicleEvent
		if err := json.Unmarshal([]byte(eventJSON), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal event")
		}
		latest[id] = e
	}
	return latest, eris.Wrap(rows.Err(), "sqlite: read latest events iterate")
}

// Geographies

func (s *SQLiteStore) WriteGeography(ctx context.Context, geography model.Geography) error {
	published, exists, err := s.geographyPublished(ctx, geography.GeographyID)
	if err != nil {
		return err
	}
	if exists && published {
		return eris.Wrapf(ErrImmutable, "geography %s", geography.GeographyID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO geographies (geography_id, name, description, geography_json, publish_date)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT (geography_id) DO UPDATE SET
		   name = excluded.name, description = excluded.description, geography_json = excluded.geography_json`,
		geography.GeographyID.String(), geography.Name, geography.Description, string(geography.GeographyJSON),
	)
	return eris.Wrapf(err, "sqlite: write geography %s", geography.GeographyID)
}

func (s *SQLiteStore) PublishGeography(ctx context.Context, id uuid.UUID, at model.Timestamp) error {
	published, exists, err := s.geographyPublished(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "geography %s", id)
	}
	if published {
		return eris.Wrapf(ErrImmutable, "geography %s already published", id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE geographies SET publish_date = ? WHERE geography_id = ?`,
		int64(at), id.String(),
	)
	return eris.Wrapf(err, "sqlite: publish geography %s", id)
}

func (s *SQLiteStore) DeleteGeography(ctx context.Context, id uuid.UUID) error {
	published, exists, err := s.geographyPublished(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "geography %s", id)
	}
	if published {
		return eris.Wrapf(ErrImmutable, "geography %s is published", id)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM geographies WHERE geography_id = ?`, id.String(),
	)
	return eris.Wrapf(err, "sqlite: delete geography %s", id)
}

func (s *SQLiteStore) ReadGeography(ctx context.Context, id uuid.UUID) (*model.Geography, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT geography_id, name, description, geography_json, publish_date
		 FROM geographies WHERE geography_id = ?`,
		id.String(),
	)
	g, err := scanSQLiteGeography(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "geography %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read geography %s", id)
	}
	return g, nil
}

func (s *SQLiteStore) ReadGeographies(ctx context.Context, filter GeographyFilter) ([]model.Geography, error) {
	query := `SELECT geography_id, name, description, geography_json, publish_date FROM geographies WHERE 1=1`
	var args []any

	if !filter.IncludeUnpublished {
		query += ` AND publish_date IS NOT NULL`
	}
	if len(filter.IDs) > 0 {
		query += ` AND geography_id IN (` + placeholders(len(filter.IDs)) + `)`
		args = append(args, uuidArgs(filter.IDs)...)
	}
	query += ` ORDER BY geography_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read geographies")
	}
	defer rows.Close()

	var geographies []model.Geography
	for rows.Next() {
		g, err := scanSQLiteGeography(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan geography")
		}
		geographies = append(geographies, *g)
	}
	return geographies, eris.Wrap(rows.Err(), "sqlite: read geographies iterate")
}

func (s *SQLiteStore) geographyPublished(ctx context.Context, id uuid.UUID) (published, exists bool, err error) {
	var publishDate sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT publish_date FROM geographies WHERE geography_id = ?`, id.String(),
	).Scan(&publishDate)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, eris.Wrap(err, "sqlite: check geography")
	}
	return publishDate.Valid, true, nil
}

// Policies

func (s *SQLiteStore) WritePolicy(ctx context.Context, policy model.Policy) error {
	var publishDate sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT publish_date FROM policies WHERE policy_id = ?`, policy.PolicyID.String(),
	).Scan(&publishDate)
	switch {
	case err == nil:
		if publishDate.Valid {
			return eris.Wrapf(ErrImmutable, "policy %s", policy.PolicyID)
		}
	case err == sql.ErrNoRows:
		// new policy
	default:
		return eris.Wrap(err, "sqlite: check policy")
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy")
	}
	var endDate any
	if policy.EndDate != nil {
		endDate = int64(*policy.EndDate)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (policy_id, policy_json, start_date, end_date, publish_date)
		 VALUES (?, ?, ?, ?, NULL)
		 ON CONFLICT (policy_id) DO UPDATE SET
		   policy_json = excluded.policy_json, start_date = excluded.start_date, end_date = excluded.end_date`,
		policy.PolicyID.String(), string(policyJSON), int64(policy.StartDate), endDate,
	)
	return eris.Wrapf(err, "sqlite: write policy %s", policy.PolicyID)
}

func (s *SQLiteStore) PublishPolicy(ctx context.Context, id uuid.UUID, at model.Timestamp) error {
	policy, err := s.ReadPolicy(ctx, id)
	if err != nil {
		return err
	}
	if policy.Published() {
		return eris.Wrapf(ErrImmutable, "policy %s already published", id)
	}

	geoIDs := policy.GeographyIDs()
	if len(geoIDs) > 0 {
		query := `SELECT COUNT(*) FROM geographies
		 WHERE geography_id IN (` + placeholders(len(geoIDs)) + `) AND publish_date IS NOT NULL`
		var published int
		if err := s.db.QueryRowContext(ctx, query, uuidArgs(geoIDs)...).Scan(&published); err != nil {
			return eris.Wrapf(err, "sqlite: check policy %s geographies", id)
		}
		if published != len(geoIDs) {
			return eris.Wrapf(ErrUnpublishedGeography, "policy %s", id)
		}
	}

	ts := model.Timestamp(at)
	policy.PublishDate = &ts
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE policies SET publish_date = ?, policy_json = ? WHERE policy_id = ?`,
		int64(at), string(policyJSON), id.String(),
	)
	return eris.Wrapf(err, "sqlite: publish policy %s", id)
}

func (s *SQLiteStore) ReadPolicy(ctx context.Context, id uuid.UUID) (*model.Policy, error) {
	var policyJSON string
	var publishDate sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT policy_json, publish_date FROM policies WHERE policy_id = ?`, id.String(),
	).Scan(&policyJSON, &publishDate)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "policy %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read policy %s", id)
	}

	var p model.Policy
	if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal policy")
	}
	if publishDate.Valid {
		ts := model.Timestamp(publishDate.Int64)
		p.PublishDate = &ts
	}
	return &p, nil
}

func (s *SQLiteStore) ReadActivePolicies(ctx context.Context, at model.Timestamp) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_json, publish_date FROM policies
		 WHERE publish_date IS NOT NULL AND start_date <= ? AND (end_date IS NULL OR end_date >= ?)
		 ORDER BY start_date, policy_id`,
		int64(at), int64(at),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read active policies")
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var policyJSON string
		var publishDate sql.NullInt64
		if err := rows.Scan(&policyJSON, &publishDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan policy")
		}
		var p model.Policy
		if err := json.Unmarshal([]byte(policyJSON), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy")
		}
		if publishDate.Valid {
			ts := model.Timestamp(publishDate.Int64)
			p.PublishDate = &ts
		}
		policies = append(policies, p)
	}
	return policies, eris.Wrap(rows.Err(), "sqlite: read active policies iterate")
}

// Compliance snapshots

func (s *SQLiteStore) WriteComplianceSnapshot(ctx context.Context, snapshot model.ComplianceSnapshot) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO compliance_snapshots
		 (snapshot_id, provider_id, policy_id, compliance_as_of, total_violations, snapshot_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snapshot.SnapshotID.String(), snapshot.ProviderID.String(), snapshot.PolicyID.String(),
		int64(snapshot.ComplianceAsOf), snapshot.TotalViolations, string(snapshotJSON),
	)
	return eris.Wrapf(err, "sqlite: write snapshot %s", snapshot.SnapshotID)
}

func (s *SQLiteStore) ReadComplianceSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.ComplianceSnapshot, error) {
	query := `SELECT snapshot_json FROM compliance_snapshots WHERE compliance_as_of >= ? AND compliance_as_of <= ?`
	args := []any{int64(filter.StartTime), int64(filter.EndTime)}

	if len(filter.ProviderIDs) > 0 {
		query += ` AND provider_id IN (` + placeholders(len(filter.ProviderIDs)) + `)`
		args = append(args, uuidArgs(filter.ProviderIDs)...)
	}
	if len(filter.PolicyIDs) > 0 {
		query += ` AND policy_id IN (` + placeholders(len(filter.PolicyIDs)) + `)`
		args = append(args, uuidArgs(filter.PolicyIDs)...)
	}
	query += ` ORDER BY provider_id, policy_id, compliance_as_of`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read snapshots")
	}
	defer rows.Close()

	var snapshots []model.ComplianceSnapshot
	for rows.Next() {
		var snapshotJSON string
		if err := rows.Scan(&snapshotJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		var snap model.ComplianceSnapshot
		if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, eris.Wrap(rows.Err(), "sqlite: read snapshots iterate")
}

// helpers

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func uuidArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteGeography(row scannable) (*model.Geography, error) {
	var g model.Geography
	var rawID, geoJSON string
	var description sql.NullString
	var publishDate sql.NullInt64
	if err := row.Scan(&rawID, &g.Name, &description, &geoJSON, &publishDate); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: parse geography id")
	}
	g.GeographyID = id
	g.Description = description.String
	g.GeographyJSON = json.RawMessage(geoJSON)
	if publishDate.Valid {
		ts := model.Timestamp(publishDate.Int64)
		g.PublishDate = &ts
	}
	return &g, nil
}
