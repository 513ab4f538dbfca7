package implementation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
)

// PostgresRecordRepository keeps one row per device with the readings
// stored as a JSONB array
type PostgresRecordRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRecordRepository(db *sql.DB, table string) *PostgresRecordRepository {
	if table == "" {
		table = "device_records"
	}
	return &PostgresRecordRepository{db: db, table: pq.QuoteIdentifier(table)}
}

// CreateTables creates the record table if it doesn't exist
func (r *PostgresRecordRepository) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			device_id   TEXT PRIMARY KEY,
			room        TEXT NOT NULL DEFAULT '',
			last_seen   TIMESTAMPTZ,
			readings    JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, r.table)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create record table: %w", err)
	}
	return nil
}

func (r *PostgresRecordRepository) SaveRecord(ctx context.Context, record mqtmodels.DeviceRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (device_id, room, last_seen, readings, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id)
		DO UPDATE SET room = EXCLUDED.room,
		              last_seen = EXCLUDED.last_seen,
		              readings = EXCLUDED.readings,
		              updated_at = now()
	`, r.table)

	readings := record.Readings
	if readings == nil {
		readings = []mqtmodels.Reading{}
	}
	readingsJSON, err := json.Marshal(readings)
	if err != nil {
		return persistenceError(record.DeviceID, "save", fmt.Errorf("failed to marshal readings: %w", err))
	}

	var lastSeen sql.NullTime
	if !record.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: record.LastSeen, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, query, record.DeviceID, record.Room, lastSeen, readingsJSON); err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}
	return nil
}

func (r *PostgresRecordRepository) GetRecord(ctx context.Context, deviceID string) (*mqtmodels.DeviceRecord, error) {
	query := fmt.Sprintf(`SELECT device_id, room, last_seen, readings FROM %s WHERE device_id = $1`, r.table)

	record, err := scanRecord(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mqtmodels.ErrNotFound
		}
		return nil, persistenceError(deviceID, "load", err)
	}
	return &record, nil
}

func (r *PostgresRecordRepository) LoadRecords(ctx context.Context) (*interfaces.LoadResult, error) {
	query := fmt.Sprintf(`SELECT device_id, room, last_seen, readings FROM %s ORDER BY device_id`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	result := &interfaces.LoadResult{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			result.Failures = append(result.Failures, persistenceError(record.DeviceID, "load", err))
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row. On a decode failure the returned record still
// carries the device id so callers can report it.
func scanRecord(row rowScanner) (mqtmodels.DeviceRecord, error) {
	var (
		record       mqtmodels.DeviceRecord
		lastSeen     sql.NullTime
		readingsJSON []byte
	)
	if err := row.Scan(&record.DeviceID, &record.Room, &lastSeen, &readingsJSON); err != nil {
		return record, err
	}

	var stored []storedReading
	if err := json.Unmarshal(readingsJSON, &stored); err != nil {
		return record, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	readings, err := convertReadings(stored)
	if err != nil {
		return record, err
	}

	record.Readings = readings
	if lastSeen.Valid {
		record.LastSeen = lastSeen.Time.UTC()
	}
	normalize(&record)
	return record, nil
}

func (r *PostgresRecordRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRecordRepository) Close() error {
	return r.db.Close()
}
