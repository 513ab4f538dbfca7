package mqtmodels

// Live feed message types
const (
	LiveMessageInitial = "initial"
	LiveMessageReading = "reading"
)

// SnapshotMessage is sent once to a viewer right after it subscribes
type SnapshotMessage struct {
	Type string        `json:"type"`
	Data []LatestEntry `json:"data"`
}

// ReadingEvent is broadcast to viewers for every accepted ingest
type ReadingEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Room     string `json:"room"`
	Reading
}

// NewReadingEvent builds the live event for a freshly ingested reading
func NewReadingEvent(deviceID, room string, reading Reading) ReadingEvent {
	return ReadingEvent{
		Type:     LiveMessageReading,
		DeviceID: deviceID,
		Room:     room,
		Reading:  reading,
	}
}
