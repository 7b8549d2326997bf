// Package mongodb provides a jobs.Locker backed by a MongoDB collection, so
// scheduler instances sharing the collection run each job key on at most one
// instance at a time.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DEEJ4Y/jobs"
)

// ErrLockLost is returned by Release when the lock expired and was taken
// over before it was released.
var ErrLockLost = errors.New("lock no longer owned")

// Config holds the configuration for the MongoDB locker.
type Config struct {
	// Collection is the MongoDB collection where locks are stored, one
	// document per job key.
	// Required.
	Collection *mongo.Collection

	// Field names for lock properties (optional, have defaults)
	OwnerField       string // default: "owner"
	LockedUntilField string // default: "lockedUntil"
}

// Locker implements jobs.Locker for MongoDB.
type Locker struct {
	collection       *mongo.Collection
	ownerField       string
	lockedUntilField string
	now              func() time.Time
}

// NewLocker creates a new MongoDB locker with the given configuration.
func NewLocker(config Config) (*Locker, error) {
	if config.Collection == nil {
		return nil, fmt.Errorf("collection is required")
	}

	// Set defaults
	if config.OwnerField == "" {
		config.OwnerField = "owner"
	}
	if config.LockedUntilField == "" {
		config.LockedUntilField = "lockedUntil"
	}

	return &Locker{
		collection:       config.Collection,
		ownerField:       config.OwnerField,
		lockedUntilField: config.LockedUntilField,
		now:              time.Now,
	}, nil
}

// EnsureIndexes creates a TTL index so MongoDB deletes expired lock
// documents left behind by crashed instances. Locks taken without a TTL are
// stored with a null expiry and never collected.
func (l *Locker) EnsureIndexes(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: l.lockedUntilField, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("create ttl index: %w", err)
	}
	return nil
}

// TryLock atomically takes the lock document for key if it is missing or
// expired. A live lock held by anyone else yields jobs.ErrLockNotAcquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (jobs.Lease, error) {
	now := l.now().UTC()
	owner := uuid.NewString()

	var lockedUntil any
	if ttl > 0 {
		lockedUntil = now.Add(ttl)
	}

	// Matches an expired lock; a missing document is inserted by the upsert
	// and a live one makes the insert collide on _id.
	filter := bson.M{
		"_id":              key,
		l.lockedUntilField: bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			l.ownerField:       owner,
			l.lockedUntilField: lockedUntil,
		},
	}

	_, err := l.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, jobs.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("updateOne failed: %w", err)
	}

	return &lease{locker: l, key: key, owner: owner}, nil
}

// Holder returns the owner token of the live lock on key, if any.
func (l *Locker) Holder(ctx context.Context, key string) (string, bool, error) {
	var doc bson.M
	err := l.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("findOne failed: %w", err)
	}

	if until, ok := doc[l.lockedUntilField].(interface{ Time() time.Time }); ok && !until.Time().After(l.now()) {
		return "", false, nil
	}
	owner, _ := doc[l.ownerField].(string)
	return owner, true, nil
}

type lease struct {
	locker *Locker
	key    string
	owner  string
}

// Release deletes the lock document if this lease still owns it.
func (le *lease) Release(ctx context.Context) error {
	filter := bson.M{"_id": le.key, le.locker.ownerField: le.owner}

	result, err := le.locker.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, le.key)
	}

	return nil
}
