package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	broadcast "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Broadcast"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
	store "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Store"
)

// IngestService validates device payloads, appends them to the record store
// and fans the accepted reading out to live viewers
type IngestService struct {
	store  *store.Store
	hub    *broadcast.Hub
	logger *logger.Logger

	// device id -> *sync.Mutex held across append and publish
	devices sync.Map

	accepted atomic.Int64
	rejected atomic.Int64
}

// Counters are cumulative ingest totals
type Counters struct {
	Accepted int64
	Rejected int64
}

// NewIngestService creates a new ingest service
func NewIngestService(st *store.Store, hub *broadcast.Hub, log *logger.Logger) *IngestService {
	if log == nil {
		log = logger.NewNop()
	}
	return &IngestService{
		store:  st,
		hub:    hub,
		logger: log.WithComponent("ingest"),
	}
}

// IngestPayload parses and validates a raw request body, then ingests it.
// A malformed payload returns a *mqtmodels.ValidationError and never reaches
// the store.
func (s *IngestService) IngestPayload(ctx context.Context, body []byte) (mqtmodels.ReadingEvent, error) {
	cmd, err := api_models.ParseIngestRequest(body)
	if err != nil {
		s.rejected.Add(1)
		return mqtmodels.ReadingEvent{}, err
	}
	return s.Ingest(ctx, cmd), nil
}

// Ingest appends a validated reading and publishes it. Ingests for the same
// device are serialized so viewers receive its events in append order; the
// store lock itself is released before the hub is touched.
func (s *IngestService) Ingest(ctx context.Context, cmd api_models.IngestCommand) mqtmodels.ReadingEvent {
	mu := s.deviceLock(cmd.DeviceID)
	mu.Lock()
	defer mu.Unlock()

	reading := s.store.Ingest(ctx, cmd.DeviceID, cmd.Room, cmd.Temperature, cmd.Humidity, cmd.Pressure)
	s.accepted.Add(1)

	event := mqtmodels.NewReadingEvent(cmd.DeviceID, cmd.Room, reading)
	if s.hub == nil {
		return event
	}

	deliveries, err := s.hub.Publish(event)
	if err != nil {
		s.logger.WithDevice(cmd.DeviceID).ErrorWithError(err, "Failed to publish reading")
		return event
	}
	for _, d := range deliveries {
		if d.Status == broadcast.DeliveryDropped {
			s.logger.WithDevice(cmd.DeviceID).WithField("viewer_id", d.ViewerID.String()).Debug("Live viewer dropped during publish")
		}
	}
	return event
}

func (s *IngestService) deviceLock(deviceID string) *sync.Mutex {
	mu, _ := s.devices.LoadOrStore(deviceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *IngestService) Counters() Counters {
	return Counters{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
	}
}
