package implementation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// errCorrupt marks a record whose stored shape cannot be normalized
var errCorrupt = errors.New("corrupt record")

// storedReading mirrors one persisted reading. Timestamps are kept as text so
// both RFC 3339 and the legacy naive ISO-8601 form can be accepted.
type storedReading struct {
	Timestamp   string   `json:"timestamp"`
	Room        *string  `json:"room,omitempty"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
}

// storedRecord is the canonical persisted device document
type storedRecord struct {
	DeviceID *string          `json:"device_id"`
	Room     *string          `json:"room"`
	LastSeen string           `json:"last_seen,omitempty"`
	Readings *[]storedReading `json:"readings"`
}

// timestamp layouts accepted on load, tried in order; naive ones are UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", errCorrupt, s)
}

func (s storedReading) toReading() (mqtmodels.Reading, error) {
	if s.Temperature == nil || s.Humidity == nil || s.Pressure == nil {
		return mqtmodels.Reading{}, fmt.Errorf("%w: reading at %q is missing a measurement", errCorrupt, s.Timestamp)
	}
	ts, err := parseTimestamp(s.Timestamp)
	if err != nil {
		return mqtmodels.Reading{}, err
	}
	return mqtmodels.Reading{
		Timestamp:   ts,
		Temperature: *s.Temperature,
		Humidity:    *s.Humidity,
		Pressure:    *s.Pressure,
	}, nil
}

func convertReadings(stored []storedReading) ([]mqtmodels.Reading, error) {
	readings := make([]mqtmodels.Reading, 0, len(stored))
	for _, s := range stored {
		r, err := s.toReading()
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// decodeRecord normalizes one persisted document into a DeviceRecord.
// expectedID is the id implied by the storage key; an object naming a
// different device is corrupt. Legacy bare lists take their id from the key.
func decodeRecord(expectedID string, data []byte) (mqtmodels.DeviceRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: empty document", errCorrupt)
	}

	switch trimmed[0] {
	case '[':
		return decodeLegacyList(expectedID, trimmed)
	case '{':
		return decodeCanonical(expectedID, trimmed)
	default:
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: unexpected document shape", errCorrupt)
	}
}

func decodeLegacyList(deviceID string, data []byte) (mqtmodels.DeviceRecord, error) {
	var stored []storedReading
	if err := json.Unmarshal(data, &stored); err != nil {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	readings, err := convertReadings(stored)
	if err != nil {
		return mqtmodels.DeviceRecord{}, err
	}

	record := mqtmodels.DeviceRecord{DeviceID: deviceID, Readings: readings}
	normalize(&record)
	// legacy lists carry the room per reading; the newest one wins
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Room != nil {
			record.Room = *stored[i].Room
			break
		}
	}
	return record, nil
}

func decodeCanonical(expectedID string, data []byte) (mqtmodels.DeviceRecord, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if stored.DeviceID == nil || *stored.DeviceID == "" {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: missing device_id", errCorrupt)
	}
	if expectedID != "" && *stored.DeviceID != expectedID {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: device_id %q does not match key %q", errCorrupt, *stored.DeviceID, expectedID)
	}
	if stored.Readings == nil {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: missing readings", errCorrupt)
	}

	readings, err := convertReadings(*stored.Readings)
	if err != nil {
		return mqtmodels.DeviceRecord{}, err
	}

	record := mqtmodels.DeviceRecord{DeviceID: *stored.DeviceID, Readings: readings}
	if stored.Room != nil {
		record.Room = *stored.Room
	}
	if stored.LastSeen != "" {
		if ts, err := parseTimestamp(stored.LastSeen); err == nil {
			record.LastSeen = ts
		}
	}
	normalize(&record)
	return record, nil
}

// normalize restores chronological order and derives last_seen
func normalize(record *mqtmodels.DeviceRecord) {
	sort.SliceStable(record.Readings, func(i, j int) bool {
		return record.Readings[i].Timestamp.Before(record.Readings[j].Timestamp)
	})
	if latest, ok := record.Latest(); ok && latest.Timestamp.After(record.LastSeen) {
		record.LastSeen = latest.Timestamp
	}
}

// encodeRecord renders the canonical persisted document
func encodeRecord(record mqtmodels.DeviceRecord) ([]byte, error) {
	if record.Readings == nil {
		record.Readings = []mqtmodels.Reading{}
	}
	return json.Marshal(record)
}

func persistenceError(deviceID, op string, err error) *mqtmodels.PersistenceError {
	return &mqtmodels.PersistenceError{DeviceID: deviceID, Op: op, Err: err}
}
