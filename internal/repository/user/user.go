// Package user is the relay's key directory in MongoDB: the published device
// and cross-signing keys of each user and the unclaimed one-time keys.
package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_crypto/internal/model"
)

type (
	// Keys is everything a user published. It is stored as one JSON blob
	// since user and key ids contain characters mongo reserves in field
	// names.
	Keys struct {
		UserID      string                      `json:"user_id"`
		Devices     map[string]model.DeviceKeys `json:"devices"`
		Master      *model.CrossSigningKey      `json:"master,omitempty"`
		SelfSigning *model.CrossSigningKey      `json:"self_signing,omitempty"`
		UserSigning *model.CrossSigningKey      `json:"user_signing,omitempty"`
	}

	userDoc struct {
		UserID string `bson:"user_id"`
		Keys   string `bson:"keys"`
	}

	oneTimeKeyDoc struct {
		UserID   string `bson:"user_id"`
		DeviceID string `bson:"device_id"`
		KeyID    string `bson:"key_id"`
		Fallback bool   `bson:"fallback"`
		Key      string `bson:"key"`
	}

	UserRepo struct {
		users       *mongo.Collection
		oneTimeKeys *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		users:       db.Collection("users"),
		oneTimeKeys: db.Collection("one_time_keys"),
	}
}

// EnsureIndexes creates the unique indexes the repository relies on.
func (r *UserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = r.oneTimeKeys.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}, {Key: "key_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// GetKeys returns nil when the user never published anything.
func (r *UserRepo) GetKeys(ctx context.Context, userID string) (*Keys, error) {
	var doc userDoc
	err := r.users.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal([]byte(doc.Keys), &keys); err != nil {
		return nil, fmt.Errorf("decode keys of %s: %w", userID, err)
	}
	return &keys, nil
}

func (r *UserRepo) SaveKeys(ctx context.Context, keys *Keys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	_, err = r.users.UpdateOne(ctx,
		bson.M{"user_id": keys.UserID},
		bson.M{"$set": userDoc{UserID: keys.UserID, Keys: string(raw)}},
		options.Update().SetUpsert(true))
	return err
}

// AddOneTimeKeys stores keys for a device and returns how many unclaimed
// one-time keys it has. A fallback key replaces the previous one.
func (r *UserRepo) AddOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]model.SignedKey) (int, error) {
	for keyID, k := range keys {
		raw, err := json.Marshal(k)
		if err != nil {
			return 0, err
		}
		if k.Fallback {
			if _, err := r.oneTimeKeys.DeleteMany(ctx, bson.M{"user_id": userID, "device_id": deviceID, "fallback": true}); err != nil {
				return 0, err
			}
		}
		doc := oneTimeKeyDoc{UserID: userID, DeviceID: deviceID, KeyID: keyID, Fallback: k.Fallback, Key: string(raw)}
		_, err = r.oneTimeKeys.UpdateOne(ctx,
			bson.M{"user_id": userID, "device_id": deviceID, "key_id": keyID},
			bson.M{"$setOnInsert": doc},
			options.Update().SetUpsert(true))
		if err != nil {
			return 0, err
		}
	}
	return r.CountOneTimeKeys(ctx, userID, deviceID)
}

func (r *UserRepo) CountOneTimeKeys(ctx context.Context, userID, deviceID string) (int, error) {
	n, err := r.oneTimeKeys.CountDocuments(ctx, bson.M{"user_id": userID, "device_id": deviceID, "fallback": false})
	return int(n), err
}

// ClaimOneTimeKey removes and returns one unclaimed key of the device. The
// fallback key is handed out, but kept, once the one-time keys run out.
func (r *UserRepo) ClaimOneTimeKey(ctx context.Context, userID, deviceID string) (string, *model.SignedKey, error) {
	var doc oneTimeKeyDoc
	err := r.oneTimeKeys.FindOneAndDelete(ctx,
		bson.M{"user_id": userID, "device_id": deviceID, "fallback": false},
		options.FindOneAndDelete().SetSort(bson.D{{Key: "key_id", Value: 1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = r.oneTimeKeys.FindOne(ctx, bson.M{"user_id": userID, "device_id": deviceID, "fallback": true}).Decode(&doc)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	var key model.SignedKey
	if err := json.Unmarshal([]byte(doc.Key), &key); err != nil {
		return "", nil, err
	}
	return doc.KeyID, &key, nil
}

// DeleteDevice drops a device and its unclaimed keys.
func (r *UserRepo) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	keys, err := r.GetKeys(ctx, userID)
	if err != nil || keys == nil {
		return err
	}
	delete(keys.Devices, deviceID)
	if err := r.SaveKeys(ctx, keys); err != nil {
		return err
	}
	_, err = r.oneTimeKeys.DeleteMany(ctx, bson.M{"user_id": userID, "device_id": deviceID})
	return err
}
