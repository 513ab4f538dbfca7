package implementation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
)

const recordFileExt = ".json"

// FileRecordRepository keeps one JSON document per device under a directory.
// File names are the path-escaped device id, so any id maps to a safe name.
// Names starting with a dot are reserved for in-flight temp files.
type FileRecordRepository struct {
	dir string
}

func NewFileRecordRepository(dir string) (*FileRecordRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &FileRecordRepository{dir: dir}, nil
}

// Dir returns the directory records are stored in
func (r *FileRecordRepository) Dir() string {
	return r.dir
}

// fileName maps a device id to its record file name. PathEscape keeps a
// leading dot, which would collide with the temp-file prefix, so it is
// percent-encoded as well; PathUnescape reverses both.
func fileName(deviceID string) string {
	name := url.PathEscape(deviceID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name + recordFileExt
}

func (r *FileRecordRepository) pathFor(deviceID string) string {
	return filepath.Join(r.dir, fileName(deviceID))
}

// SaveRecord writes the record to a temp file and renames it into place so a
// crash never leaves a half-written document behind
func (r *FileRecordRepository) SaveRecord(ctx context.Context, record mqtmodels.DeviceRecord) error {
	if err := ctx.Err(); err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}

	data, err := encodeRecord(record)
	if err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".record-*.tmp")
	if err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return persistenceError(record.DeviceID, "save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return persistenceError(record.DeviceID, "save", err)
	}
	if err := tmp.Close(); err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}
	if err := os.Rename(tmpName, r.pathFor(record.DeviceID)); err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}
	return nil
}

func (r *FileRecordRepository) GetRecord(ctx context.Context, deviceID string) (*mqtmodels.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceError(deviceID, "load", err)
	}

	data, err := os.ReadFile(r.pathFor(deviceID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, mqtmodels.ErrNotFound
		}
		return nil, persistenceError(deviceID, "load", err)
	}

	record, err := decodeRecord(deviceID, data)
	if err != nil {
		return nil, persistenceError(deviceID, "load", err)
	}
	return &record, nil
}

// LoadRecords reads every record file in the directory. Unreadable or
// malformed files are reported as failures and skipped.
func (r *FileRecordRepository) LoadRecords(ctx context.Context) (*interfaces.LoadResult, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory %s: %w", r.dir, err)
	}

	result := &interfaces.LoadResult{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordFileExt) {
			continue
		}

		deviceID, err := url.PathUnescape(strings.TrimSuffix(name, recordFileExt))
		if err != nil {
			result.Failures = append(result.Failures, persistenceError(name, "load", fmt.Errorf("%w: bad file name", errCorrupt)))
			continue
		}

		record, err := r.GetRecord(ctx, deviceID)
		if err != nil {
			var perr *mqtmodels.PersistenceError
			if errors.As(err, &perr) {
				result.Failures = append(result.Failures, perr)
			}
			continue
		}
		result.Records = append(result.Records, *record)
	}

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].DeviceID < result.Records[j].DeviceID
	})
	return result, nil
}

func (r *FileRecordRepository) Ping(ctx context.Context) error {
	info, err := os.Stat(r.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", r.dir)
	}
	return nil
}

func (r *FileRecordRepository) Close() error {
	return nil
}
