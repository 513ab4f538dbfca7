// Package store holds the per-device reading history. Every device has its own
// lock; appending a reading and re-applying retention happen under that lock as
// one unit, so readers never see a half-applied mutation.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
	retention "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Retention"
)

// Options configures a Store. A nil Repository keeps records in memory only.
type Options struct {
	Repository      interfaces.RecordRepository
	Clock           clock.Clock
	Logger          *logger.Logger
	RetentionWindow time.Duration
	// OnlineThreshold enables the derived online/offline status when > 0
	OnlineThreshold time.Duration
}

type deviceEntry struct {
	mu     sync.Mutex
	record mqtmodels.DeviceRecord
}

// Store is the Record Store. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry

	repo            interfaces.RecordRepository
	clock           clock.Clock
	log             *logger.Logger
	window          time.Duration
	onlineThreshold time.Duration

	purgedOnOpen int
}

// SweepResult summarizes one retention pass over every device
type SweepResult struct {
	Devices  int
	Purged   int
	Emptied  int
	Failures []*mqtmodels.PersistenceError
}

// Stats is a point-in-time count of what the store holds
type Stats struct {
	Devices       int
	ActiveDevices int
	Readings      int
	// PurgedOnOpen counts readings dropped by the retention pass in Open
	PurgedOnOpen int
}

// New returns an empty Store
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = config.DefaultRetentionWindow
	}
	return &Store{
		devices:         make(map[string]*deviceEntry),
		repo:            opts.Repository,
		clock:           opts.Clock,
		log:             opts.Logger.WithComponent("record_store"),
		window:          opts.RetentionWindow,
		onlineThreshold: opts.OnlineThreshold,
	}
}

// Open builds a Store and loads every persisted record, applying retention
// once. Records that fail to load are logged and treated as absent; an error
// is returned only when the repository as a whole cannot be read.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New(opts)
	if s.repo == nil {
		return s, nil
	}

	result, err := s.repo.LoadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device records: %w", err)
	}

	for _, perr := range result.Failures {
		s.log.WithDevice(perr.DeviceID).WarnWithError(perr, "Device record unreadable, treating as absent")
	}

	now := s.clock.Now()
	for _, record := range result.Records {
		entry := &deviceEntry{record: record}
		kept := retention.Filter(record.Readings, now, s.window)
		if len(kept) != len(record.Readings) {
			s.purgedOnOpen += len(record.Readings) - len(kept)
			entry.record.Readings = kept
			s.persist(ctx, entry.record)
		}
		s.devices[record.DeviceID] = entry
	}

	s.log.Info(fmt.Sprintf("Loaded %d device records (%d unreadable)", len(result.Records), len(result.Failures)))
	return s, nil
}

// Window returns the retention window the store applies on ingest
func (s *Store) Window() time.Duration {
	return s.window
}

// entry returns the device's entry, creating an empty one when absent
func (s *Store) entry(deviceID string) *deviceEntry {
	s.mu.RLock()
	e, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.devices[deviceID]; ok {
		return e
	}
	e = &deviceEntry{record: mqtmodels.DeviceRecord{DeviceID: deviceID}}
	s.devices[deviceID] = e
	return e
}

func (s *Store) lookup(deviceID string) (*deviceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[deviceID]
	return e, ok
}

func (s *Store) entries() []*deviceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*deviceEntry, 0, len(s.devices))
	for _, e := range s.devices {
		out = append(out, e)
	}
	return out
}

// Ingest timestamps a reading with the current instant, appends it to the
// device's record, overwrites the room label and re-applies retention.
func (s *Store) Ingest(ctx context.Context, deviceID, room string, temperature, humidity, pressure float64) mqtmodels.Reading {
	e := s.entry(deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.clock.Now()
	// timestamps never go backwards within one record
	if last, ok := e.record.Latest(); ok && now.Before(last.Timestamp) {
		now = last.Timestamp
	}

	reading := mqtmodels.Reading{
		Timestamp:   now,
		Temperature: temperature,
		Humidity:    humidity,
		Pressure:    pressure,
	}

	readings := append(e.record.Readings[:len(e.record.Readings):len(e.record.Readings)], reading)
	e.record.Readings = retention.Filter(readings, now, s.window)
	e.record.Room = room
	e.record.LastSeen = now

	s.persist(ctx, e.record)
	return reading
}

// Latest returns the newest surviving reading for one device. The second
// result is false when the device is unknown or has no surviving readings.
func (s *Store) Latest(deviceID string) (mqtmodels.LatestEntry, bool) {
	e, ok := s.lookup(deviceID)
	if !ok {
		return mqtmodels.LatestEntry{}, false
	}

	e.mu.Lock()
	entry, ok := s.latestEntry(&e.record)
	e.mu.Unlock()
	if !ok {
		return mqtmodels.LatestEntry{}, false
	}

	s.project([]mqtmodels.LatestEntry{entry})
	return entry, true
}

// LatestAll returns one entry per device with at least one surviving reading,
// ordered by room and then device_id. Each device is read under its own lock;
// no cross-device atomicity is implied.
func (s *Store) LatestAll() []mqtmodels.LatestEntry {
	all := s.entries()
	out := make([]mqtmodels.LatestEntry, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		entry, ok := s.latestEntry(&e.record)
		e.mu.Unlock()
		if ok {
			out = append(out, entry)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Room != out[j].Room {
			return out[i].Room < out[j].Room
		}
		return out[i].DeviceID < out[j].DeviceID
	})

	s.project(out)
	return out
}

// Record returns a copy of one device's full record, empty ones included
func (s *Store) Record(deviceID string) (mqtmodels.DeviceRecord, bool) {
	e, ok := s.lookup(deviceID)
	if !ok {
		return mqtmodels.DeviceRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), true
}

func (s *Store) latestEntry(record *mqtmodels.DeviceRecord) (mqtmodels.LatestEntry, bool) {
	latest, ok := record.Latest()
	if !ok {
		return mqtmodels.LatestEntry{}, false
	}
	return mqtmodels.LatestEntry{
		DeviceID: record.DeviceID,
		Room:     record.Room,
		Reading:  latest,
		LastSeen: record.LastSeen,
	}, true
}

// project fills the derived online/offline status when enabled
func (s *Store) project(entries []mqtmodels.LatestEntry) {
	if s.onlineThreshold <= 0 {
		return
	}
	now := s.clock.Now()
	for i := range entries {
		if now.Sub(entries[i].LastSeen) <= s.onlineThreshold {
			entries[i].Status = mqtmodels.StatusOnline
		} else {
			entries[i].Status = mqtmodels.StatusOffline
		}
	}
}

// Sweep re-applies retention to every device. Records that lose all readings
// stay present. A write failure for one device is collected and the pass
// continues with the rest.
func (s *Store) Sweep(ctx context.Context, now time.Time, window time.Duration) SweepResult {
	var result SweepResult

	for _, e := range s.entries() {
		if ctx.Err() != nil {
			break
		}
		result.Devices++

		e.mu.Lock()
		before := len(e.record.Readings)
		kept := retention.Filter(e.record.Readings, now, window)
		if len(kept) != before {
			e.record.Readings = kept
			result.Purged += before - len(kept)
			if len(kept) == 0 {
				result.Emptied++
			}
			if perr := s.persist(ctx, e.record); perr != nil {
				result.Failures = append(result.Failures, perr)
			}
		}
		e.mu.Unlock()
	}

	return result
}

// Stats counts devices and readings
func (s *Store) Stats() Stats {
	st := Stats{PurgedOnOpen: s.purgedOnOpen}
	for _, e := range s.entries() {
		e.mu.Lock()
		n := len(e.record.Readings)
		e.mu.Unlock()

		st.Devices++
		st.Readings += n
		if n > 0 {
			st.ActiveDevices++
		}
	}
	return st
}

// Ping reports whether the persistence backend is reachable
func (s *Store) Ping(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Ping(ctx)
}

// persist writes the record through to the repository. It must be called
// with the device lock held. Failures are logged and returned, never raised.
func (s *Store) persist(ctx context.Context, record mqtmodels.DeviceRecord) *mqtmodels.PersistenceError {
	if s.repo == nil {
		return nil
	}

	// a cancelled request must not skip the write-through
	err := s.repo.SaveRecord(context.WithoutCancel(ctx), record)
	if err == nil {
		return nil
	}

	var perr *mqtmodels.PersistenceError
	if !errors.As(err, &perr) {
		perr = &mqtmodels.PersistenceError{DeviceID: record.DeviceID, Op: "save", Err: err}
	}
	s.log.WithDevice(record.DeviceID).ErrorWithError(perr, "Failed to persist device record")
	return perr
}
