// Package store defines the persistence boundary of the compliance
// backend and its Postgres and SQLite implementations.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/civicfleet/compliance-cli/internal/model"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrImmutable indicates an attempt to edit or delete a published
// geography or policy.
var ErrImmutable = eris.New("store: published entities are immutable")

// ErrUnpublishedGeography indicates a policy publish referenced a
// geography that has not itself been published.
var ErrUnpublishedGeography = eris.New("store: policy references unpublished geography")

// DeviceRecord is the minimal (device, provider) pairing returned by
// ReadDeviceIDs.
type DeviceRecord struct {
	DeviceID   uuid.UUID `json:"device_id"`
	ProviderID uuid.UUID `json:"provider_id"`
}

// GeographyFilter selects geographies to read. By default only
// published geographies are returned.
type GeographyFilter struct {
	IDs                []uuid.UUID
	IncludeUnpublished bool
}

// SnapshotFilter selects compliance snapshots by time interval and
// optional provider/policy scoping. Results are ordered by
// compliance_as_of ascending.
type SnapshotFilter struct {
	StartTime   model.Timestamp
	EndTime     model.Timestamp
	ProviderIDs []uuid.UUID
	PolicyIDs   []uuid.UUID
}

// DeviceStore persists devices and their event stream.
type DeviceStore interface {
	WriteDevice(ctx context.Context, device model.Device) error
	ReadDeviceIDs(ctx context.Context, providerID *uuid.UUID) ([]DeviceRecord, error)
	ReadDevices(ctx context.Context, ids []uuid.UUID) ([]model.Device, error)
	ReadProviderIDs(ctx context.Context) ([]uuid.UUID, error)
	WriteEvent(ctx context.Context, event model.VehicleEvent) error
	WriteEvents(ctx context.Context, events []model.VehicleEvent) (int64, error)
	ReadLatestEventsPerDevice(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]model.VehicleEvent, error)
}

// GeographyStore persists geofence geographies. Published geographies
// are immutable.
type GeographyStore interface {
	WriteGeography(ctx context.Context, geography model.Geography) error
	PublishGeography(ctx context.Context, id uuid.UUID, at model.Timestamp) error
	DeleteGeography(ctx context.Context, id uuid.UUID) error
	ReadGeography(ctx context.Context, id uuid.UUID) (*model.Geography, error)
	ReadGeographies(ctx context.Context, filter GeographyFilter) ([]model.Geography, error)
}

// PolicyStore persists policies. Publishing a policy verifies every
// geography its rules reference is already published.
type PolicyStore interface {
	WritePolicy(ctx context.Context, policy model.Policy) error
	PublishPolicy(ctx context.Context, id uuid.UUID, at model.Timestamp) error
	ReadPolicy(ctx context.Context, id uuid.UUID) (*model.Policy, error)
	ReadActivePolicies(ctx context.Context, at model.Timestamp) ([]model.Policy, error)
}

// SnapshotStore persists compliance snapshots. Snapshots are append
// only; there is no update or delete.
type SnapshotStore interface {
	WriteComplianceSnapshot(ctx context.Context, snapshot model.ComplianceSnapshot) error
	ReadComplianceSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.ComplianceSnapshot, error)
}

// Store is the full persistence interface.
type Store interface {
	DeviceStore
	GeographyStore
	PolicyStore
	SnapshotStore

	Migrate(ctx context.Context) error
	Close() error
}
