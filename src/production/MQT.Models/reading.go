package mqtmodels

import "time"

// Reading is one timestamped environmental observation from a device.
// Readings are immutable once appended to a DeviceRecord.
type Reading struct {
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	Temperature float64   `json:"temperature" bson:"temperature"`
	Humidity    float64   `json:"humidity" bson:"humidity"`
	Pressure    float64   `json:"pressure" bson:"pressure"`
}
