package interfaces

import (
	"context"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// LoadResult is the outcome of reading every persisted device record.
// Failures holds one entry per record that could not be read or normalized;
// those devices are treated as absent.
type LoadResult struct {
	Records  []mqtmodels.DeviceRecord
	Failures []*mqtmodels.PersistenceError
}

// RecordRepository persists one DeviceRecord per device_id
type RecordRepository interface {
	// SaveRecord creates or replaces the record for record.DeviceID
	SaveRecord(ctx context.Context, record mqtmodels.DeviceRecord) error

	// GetRecord returns the record for deviceID, mqtmodels.ErrNotFound when
	// none exists, or a *mqtmodels.PersistenceError when it is unreadable
	GetRecord(ctx context.Context, deviceID string) (*mqtmodels.DeviceRecord, error)

	// LoadRecords reads every record. A non-nil error means the backend as a
	// whole was unreachable; per-record problems are reported in the result.
	LoadRecords(ctx context.Context) (*LoadResult, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close() error
}
