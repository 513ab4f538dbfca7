package implementation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Repository/Interfaces"
)

// mongoRecord is the stored document; pointer fields detect missing keys
type mongoRecord struct {
	DeviceID string               `bson:"_id"`
	Room     *string              `bson:"room"`
	Readings *[]mqtmodels.Reading `bson:"readings"`
	LastSeen time.Time            `bson:"last_seen"`
}

// MongoRecordRepository stores one document per device, keyed by device id
type MongoRecordRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoRecordRepository(client *mongo.Client, coll *mongo.Collection) *MongoRecordRepository {
	return &MongoRecordRepository{client: client, coll: coll}
}

func (r *MongoRecordRepository) SaveRecord(ctx context.Context, record mqtmodels.DeviceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if record.Readings == nil {
		record.Readings = []mqtmodels.Reading{}
	}
	_, err := r.coll.ReplaceOne(ctx,
		bson.M{"_id": record.DeviceID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return persistenceError(record.DeviceID, "save", err)
	}
	return nil
}

func (r *MongoRecordRepository) GetRecord(ctx context.Context, deviceID string) (*mqtmodels.DeviceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	raw, err := r.coll.FindOne(ctx, bson.M{"_id": deviceID}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mqtmodels.ErrNotFound
		}
		return nil, persistenceError(deviceID, "load", err)
	}

	record, err := decodeMongoRecord(raw)
	if err != nil {
		return nil, persistenceError(deviceID, "load", err)
	}
	return &record, nil
}

func (r *MongoRecordRepository) LoadRecords(ctx context.Context) (*interfaces.LoadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer cursor.Close(ctx)

	result := &interfaces.LoadResult{}
	for cursor.Next(ctx) {
		record, err := decodeMongoRecord(cursor.Current)
		if err != nil {
			id, _ := cursor.Current.Lookup("_id").StringValueOK()
			result.Failures = append(result.Failures, persistenceError(id, "load", err))
			continue
		}
		result.Records = append(result.Records, record)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return result, nil
}

func decodeMongoRecord(raw bson.Raw) (mqtmodels.DeviceRecord, error) {
	var doc mongoRecord
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if doc.DeviceID == "" {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: missing _id", errCorrupt)
	}
	if doc.Readings == nil {
		return mqtmodels.DeviceRecord{}, fmt.Errorf("%w: missing readings", errCorrupt)
	}

	record := mqtmodels.DeviceRecord{
		DeviceID: doc.DeviceID,
		Readings: *doc.Readings,
		LastSeen: doc.LastSeen.UTC(),
	}
	if doc.Room != nil {
		record.Room = *doc.Room
	}
	for i := range record.Readings {
		record.Readings[i].Timestamp = record.Readings[i].Timestamp.UTC()
	}
	normalize(&record)
	return record, nil
}

func (r *MongoRecordRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *MongoRecordRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
