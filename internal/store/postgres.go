package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/db"
	"github.com/civicfleet/compliance-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"insert_device": `INSERT INTO devices (device_id, provider_id, device_json, recorded) VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET device_json = $3, recorded = $4`,
	"insert_event": `INSERT INTO events (device_id, provider_id, timestamp, recorded, event_json) VALUES ($1, $2, $3, $4, $5)`,
	"insert_snapshot": `INSERT INTO compliance_snapshots
		(snapshot_id, provider_id, policy_id, compliance_as_of, total_violations, snapshot_json)
		VALUES ($1, $2, $3, $4, $5, $6)`,
	"read_policy": `SELECT policy_json, publish_date FROM policies WHERE policy_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS devices (
	device_id   UUID PRIMARY KEY,
	provider_id UUID NOT NULL,
	device_json JSONB NOT NULL,
	recorded    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	device_id   UUID NOT NULL,
	provider_id UUID NOT NULL,
	timestamp   BIGINT NOT NULL,
	recorded    BIGINT NOT NULL,
	event_json  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS geographies (
	geography_id   UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT,
	geography_json JSONB NOT NULL,
	publish_date   BIGINT
);

CREATE TABLE IF NOT EXISTS policies (
	policy_id    UUID PRIMARY KEY,
	policy_json  JSONB NOT NULL,
	start_date   BIGINT NOT NULL,
	end_date     BIGINT,
	publish_date BIGINT
);

CREATE TABLE IF NOT EXISTS compliance_snapshots (
	snapshot_id      UUID PRIMARY KEY,
	provider_id      UUID NOT NULL,
	policy_id        UUID NOT NULL,
	compliance_as_of BIGINT NOT NULL,
	total_violations INTEGER NOT NULL,
	snapshot_json    JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_provider ON devices(provider_id);
CREATE INDEX IF NOT EXISTS idx_events_device_ts ON events(device_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_events_recorded ON events(recorded);
CREATE INDEX IF NOT EXISTS idx_policies_dates ON policies(start_date, end_date);
CREATE INDEX IF NOT EXISTS idx_snapshots_as_of ON compliance_snapshots(compliance_as_of);
CREATE INDEX IF NOT EXISTS idx_snapshots_provider_policy ON compliance_snapshots(provider_id, policy_id, compliance_as_of);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Devices and events

func (s *PostgresStore) WriteDevice(ctx context.Context, device model.Device) error {
	deviceJSON, err := json.Marshal(device)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal device")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO devices (device_id, provider_id, device_json, recorded) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (device_id) DO UPDATE SET device_json = $3, recorded = $4`,
		device.DeviceID, device.ProviderID, deviceJSON, int64(device.Recorded),
	)
	return eris.Wrapf(err, "postgres: write device %s", device.DeviceID)
}

func (s *PostgresStore) ReadDeviceIDs(ctx context.Context, providerID *uuid.UUID) ([]DeviceRecord, error) {
	query := `SELECT device_id, provider_id FROM devices`
	args := []any{}
	if providerID != nil {
		query += ` WHERE provider_id = $1`
		args = append(args, *providerID)
	}
	query += ` ORDER BY device_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read device ids")
	}
	defer rows.Close()

	var records []DeviceRecord
	for rows.Next() {
		var r DeviceRecord
		if err := rows.Scan(&r.DeviceID, &r.ProviderID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan device id")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: read device ids iterate")
}

func (s *PostgresStore) ReadDevices(ctx context.Context, ids []uuid.UUID) ([]model.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device_json FROM devices WHERE device_id = ANY($1) ORDER BY device_id`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read devices")
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var deviceJSON []byte
		if err := rows.Scan(&deviceJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan device")
		}
		var d model.Device
		if err := json.Unmarshal(deviceJSON, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal device")
		}
		devices = append(devices, d)
	}
	return devices, eris.Wrap(rows.Err(), "postgres: read devices iterate")
}

func (s *PostgresStore) ReadProviderIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT provider_id FROM devices ORDER BY provider_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read provider ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: read provider ids iterate")
}

func (s *PostgresStore) WriteEvent(ctx context.Context, event model.VehicleEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (device_id, provider_id, timestamp, recorded, event_json) VALUES ($1, $2, $3, $4, $5)`,
		event.DeviceID, event.ProviderID, int64(event.Timestamp), int64(event.Recorded), eventJSON,
	)
	return eris.Wrapf(err, "postgres: write event for device %s", event.DeviceID)
}

// WriteEvents bulk-inserts events with COPY.
func (s *PostgresStore) WriteEvents(ctx context.Context, events []model.VehicleEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		eventJSON, err := json.Marshal(e)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal event")
		}
		rows = append(rows, []any{e.DeviceID, e.ProviderID, int64(e.Timestamp), int64(e.Recorded), eventJSON})
	}
	n, err := db.CopyFrom(ctx, s.pool, "events",
		[]string{"device_id", "provider_id", "timestamp", "recorded", "event_json"}, rows)
	return n, eris.Wrap(err, "postgres: write events")
}

func (s *PostgresStore) ReadLatestEventsPerDevice(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]model.VehicleEvent, error) {
	// DISTINCT ON keeps the newest event per device; id breaks timestamp
	// ties in favor of the later write.
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (device_id) device_id, event_json
		 FROM events WHERE device_id = ANY($1)
		 ORDER BY device_id, timestamp DESC, id DESC`,
		deviceIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read latest events")
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]model.VehicleEvent, len(deviceIDs))
	for rows.Next() {
		var id uuid.UUID
		var eventJSON []byte
		if err := rows.Scan(&id, &eventJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan latest event")
		}
		var e model.VehicleEvent
		if err := json.Unmarshal(eventJSON, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal event")
		}
		latest[id] = e
	}
	return latest, eris.Wrap(rows.Err(), "postgres: read latest events iterate")
}

// Geographies

func (s *PostgresStore) WriteGeography(ctx context.Context, geography model.Geography) error {
	var publishDate *int64
	err := s.pool.QueryRow(ctx,
		`SELECT publish_date FROM geographies WHERE geography_id = $1`,
		geography.GeographyID,
	).Scan(&publishDate)
	switch {
	case err == nil:
		if publishDate != nil {
			return eris.Wrapf(ErrImmutable, "geography %s", geography.GeographyID)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// new geography
	default:
		return eris.Wrap(err, "postgres: check geography")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO geographies (geography_id, name, description, geography_json, publish_date)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (geography_id) DO UPDATE SET name = $2, description = $3, geography_json = $4`,
		geography.GeographyID, geography.Name, geography.Description, []byte(geography.GeographyJSON),
	)
	return eris.Wrapf(err, "postgres: write geography %s", geography.GeographyID)
}

func (s *PostgresStore) PublishGeography(ctx context.Context, id uuid.UUID, at model.Timestamp) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE geographies SET publish_date = $1 WHERE geography_id = $2 AND publish_date IS NULL`,
		int64(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: publish geography %s", id)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already published; distinguish for the caller.
		var publishDate *int64
		err := s.pool.QueryRow(ctx,
			`SELECT publish_date FROM geographies WHERE geography_id = $1`, id,
		).Scan(&publishDate)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "geography %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: publish geography %s", id)
		}
		return eris.Wrapf(ErrImmutable, "geography %s already published", id)
	}
	return nil
}

func (s *PostgresStore) DeleteGeography(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM geographies WHERE geography_id = $1 AND publish_date IS NULL`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete geography %s", id)
	}
	if tag.RowsAffected() == 0 {
		var publishDate *int64
		err := s.pool.QueryRow(ctx,
			`SELECT publish_date FROM geographies WHERE geography_id = $1`, id,
		).Scan(&publishDate)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "geography %s", id)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: delete geography %s", id)
		}
		return eris.Wrapf(ErrImmutable, "geography %s is published", id)
	}
	return nil
}

func (s *PostgresStore) ReadGeography(ctx context.Context, id uuid.UUID) (*model.Geography, error) {
	g, err := scanGeography(s.pool.QueryRow(ctx,
		`SELECT geography_id, name, description, geography_json, publish_date
		 FROM geographies WHERE geography_id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "geography %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read geography %s", id)
	}
	return g, nil
}

func (s *PostgresStore) ReadGeographies(ctx context.Context, filter GeographyFilter) ([]model.Geography, error) {
	query := `SELECT geography_id, name, description, geography_json, publish_date FROM geographies WHERE true`
	args := []any{}
	argIdx := 1

	if !filter.IncludeUnpublished {
		query += ` AND publish_date IS NOT NULL`
	}
	if len(filter.IDs) > 0 {
		query += fmt.Sprintf(` AND geography_id = ANY($%d)`, argIdx)
		args = append(args, filter.IDs)
		argIdx++
	}
	query += ` ORDER BY geography_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read geographies")
	}
	defer rows.Close()

	var geographies []model.Geography
	for rows.Next() {
		g, err := scanGeography(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan geography")
		}
		geographies = append(geographies, *g)
	}
	return geographies, eris.Wrap(rows.Err(), "postgres: read geographies iterate")
}

func scanGeography(row pgx.Row) (*model.Geography, error) {
	var g model.Geography
	var geoJSON []byte
	var publishDate *int64
	if err := row.Scan(&g.GeographyID, &g.Name, &g.Description, &geoJSON, &publishDate); err != nil {
		return nil, err
	}
	g.GeographyJSON = json.RawMessage(geoJSON)
	if publishDate != nil {
		ts := model.Timestamp(*publishDate)
		g.PublishDate = &ts
	}
	return &g, nil
}

// Policies

func (s *PostgresStore) WritePolicy(ctx context.Context, policy model.Policy) error {
	var publishDate *int64
	err := s.pool.QueryRow(ctx,
		`SELECT publish_date FROM policies WHERE policy_id = $1`,
		policy.PolicyID,
	).Scan(&publishDate)
	switch {
	case err == nil:
		if publishDate != nil {
			return eris.Wrapf(ErrImmutable, "policy %s", policy.PolicyID)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// new policy
	default:
		return eris.Wrap(err, "postgres: check policy")
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal policy")
	}
	var endDate *int64
	if policy.EndDate != nil {
		v := int64(*policy.EndDate)
		endDate = &v
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO policies (policy_id, policy_json, start_date, end_date, publish_date)
		 VALUES ($1, $2, $3, $4, NULL)
		 ON CONFLICT (policy_id) DO UPDATE SET policy_json = $2, start_date = $3, end_date = $4`,
		policy.PolicyID, policyJSON, int64(policy.StartDate), endDate,
	)
	return eris.Wrapf(err, "postgres: write policy %s", policy.PolicyID)
}

// PublishPolicy marks a policy published after verifying every geography
// its rules reference is already published.
func (s *PostgresStore) PublishPolicy(ctx context.Context, id uuid.UUID, at model.Timestamp) error {
	policy, err := s.ReadPolicy(ctx, id)
	if err != nil {
		return err
	}
	if policy.Published() {
		return eris.Wrapf(ErrImmutable, "policy %s already published", id)
	}

	geoIDs := policy.GeographyIDs()
	if len(geoIDs) > 0 {
		var published int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM geographies WHERE geography_id = ANY($1) AND publish_date IS NOT NULL`,
			geoIDs,
		).Scan(&published)
		if err != nil {
			return eris.Wrapf(err, "postgres: check policy %s geographies", id)
		}
		if published != len(geoIDs) {
			return eris.Wrapf(ErrUnpublishedGeography, "policy %s", id)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE policies SET publish_date = $1,
		 policy_json = jsonb_set(policy_json, '{publish_date}', to_jsonb($1::bigint))
		 WHERE policy_id = $2 AND publish_date IS NULL`,
		int64(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: publish policy %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrImmutable, "policy %s already published", id)
	}
	return nil
}

func (s *PostgresStore) ReadPolicy(ctx context.Context, id uuid.UUID) (*model.Policy, error) {
	var policyJSON []byte
	var publishDate *int64
	err := s.pool.QueryRow(ctx,
		`SELECT policy_json, publish_date FROM policies WHERE policy_id = $1`,
		id,
	).Scan(&policyJSON, &publishDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "policy %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read policy %s", id)
	}

	var p model.Policy
	if err := json.Unmarshal(policyJSON, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal policy")
	}
	if publishDate != nil {
		ts := model.Timestamp(*publishDate)
		p.PublishDate = &ts
	}
	return &p, nil
}

func (s *PostgresStore) ReadActivePolicies(ctx context.Context, at model.Timestamp) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT policy_json, publish_date FROM policies
		 WHERE publish_date IS NOT NULL AND start_date <= $1 AND (end_date IS NULL OR end_date >= $1)
		 ORDER BY start_date, policy_id`,
		int64(at),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read active policies")
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var policyJSON []byte
		var publishDate *int64
		if err := rows.Scan(&policyJSON, &publishDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan policy")
		}
		var p model.Policy
		if err := json.Unmarshal(policyJSON, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy")
		}
		if publishDate != nil {
			ts := model.Timestamp(*publishDate)
			p.PublishDate = &ts
		}
		policies = append(policies, p)
	}
	return policies, eris.Wrap(rows.Err(), "postgres: read active policies iterate")
}

// Compliance snapshots

func (s *PostgresStore) WriteComplianceSnapshot(ctx context.Context, snapshot model.ComplianceSnapshot) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO compliance_snapshots
		 (snapshot_id, provider_id, policy_id, compliance_as_of, total_violations, snapshot_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snapshot.SnapshotID, snapshot.ProviderID, snapshot.PolicyID,
		int64(snapshot.ComplianceAsOf), snapshot.TotalViolations, snapshotJSON,
	)
	return eris.Wrapf(err, "postgres: write snapshot %s", snapshot.SnapshotID)
}

func (s *PostgresStore) ReadComplianceSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.ComplianceSnapshot, error) {
	query := `SELECT snapshot_json FROM compliance_snapshots WHERE compliance_as_of >= $1 AND compliance_as_of <= $2`
	args := []any{int64(filter.StartTime), int64(filter.EndTime)}
	argIdx := 3

	if len(filter.ProviderIDs) > 0 {
		query += fmt.Sprintf(` AND provider_id = ANY($%d)`, argIdx)
		args = append(args, filter.ProviderIDs)
		argIdx++
	}
	if len(filter.PolicyIDs) > 0 {
		query += fmt.Sprintf(` AND policy_id = ANY($%d)`, argIdx)
		args = append(args, filter.PolicyIDs)
		argIdx++
	}
	query += ` ORDER BY provider_id, policy_id, compliance_as_of`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read snapshots")
	}
	defer rows.Close()

	var snapshots []model.ComplianceSnapshot
	for rows.Next() {
		var snapshotJSON []byte
		if err := rows.Scan(&snapshotJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		var snap model.ComplianceSnapshot
		if err := json.Unmarshal(snapshotJSON, &snap); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, eris.Wrap(rows.Err(), "postgres: read snapshots iterate")
}
