package device

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"iot_auth/internal/model"
)

type (
	DeviceRepo struct {
		collection *mongo.Collection
	}
)

func NewDeviceRepo(db *mongo.Database) *DeviceRepo {
	return &DeviceRepo{
		collection: db.Collection("devices"),
	}
}

// EnsureIndexes makes deviceId unique.
func (r *DeviceRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "deviceId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// GetByDeviceID returns nil, nil when the device is not registered.
func (r *DeviceRepo) GetByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	filter := bson.M{
		"deviceId": deviceID,
	}

	var device model.Device
	err := r.collection.FindOne(ctx, filter).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &device, nil
}

// Upsert registers a device or replaces its pre-shared secret.
func (r *DeviceRepo) Upsert(ctx context.Context, deviceID, sharedSecret string) error {
	filter := bson.M{"deviceId": deviceID}
	update := bson.M{
		"$set":         bson.M{"sharedSecret": sharedSecret},
		"$setOnInsert": bson.M{"createdAt": time.Now().UTC()},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *DeviceRepo) List(ctx context.Context) ([]*model.Device, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "deviceId", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var devices []*model.Device
	if err := cur.All(ctx, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *DeviceRepo) Delete(ctx context.Context, deviceID string) (bool, error) {
	res, err := r.collection.DeleteOne(ctx, bson.M{"deviceId": deviceID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}
