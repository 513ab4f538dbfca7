package mqtmodels

import "time"

// DeviceRecord is the per-device history kept by the record store.
// Readings are ordered by timestamp, oldest first.
type DeviceRecord struct {
	DeviceID string    `json:"device_id" bson:"_id"`
	Room     string    `json:"room" bson:"room"`
	Readings []Reading `json:"readings" bson:"readings"`
	LastSeen time.Time `json:"last_seen" bson:"last_seen"`
}

// Latest returns the most recent reading, false when the record is empty
func (d *DeviceRecord) Latest() (Reading, bool) {
	if len(d.Readings) == 0 {
		return Reading{}, false
	}
	return d.Readings[len(d.Readings)-1], true
}

// Clone returns a deep copy safe to hand out of a lock
func (d *DeviceRecord) Clone() DeviceRecord {
	readings := make([]Reading, len(d.Readings))
	copy(readings, d.Readings)
	return DeviceRecord{
		DeviceID: d.DeviceID,
		Room:     d.Room,
		Readings: readings,
		LastSeen: d.LastSeen,
	}
}

// LatestEntry is one row of the latest-per-device view
type LatestEntry struct {
	DeviceID string `json:"device_id"`
	Room     string `json:"room"`
	Reading
	LastSeen time.Time `json:"last_seen"`
	// Status is the derived online/offline projection, empty when disabled
	Status string `json:"status,omitempty"`
}

// Device status values for the derived online projection
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)
