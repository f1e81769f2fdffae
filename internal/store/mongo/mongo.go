// Package mongo implements session.SessionHost over MongoDB, behind a
// narrow collection-interface wrapper (FindOne/UpdateOne/Indexes kept
// narrow and structurally satisfied, so tests can stub mongo without a
// live server), using a $setOnInsert-for-idempotent-create /
// filtered-$set-for-CAS pattern.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowforge/flowhost/internal/session"
)

const (
	defaultCollection = "flowhost_sessions"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed SessionStore.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// SessionStore implements session.SessionHost over a single Mongo
// collection, one document per session.Key.
type SessionStore struct {
	coll    collection
	timeout time.Duration
}

// NewSessionStore connects a SessionStore to the given collection,
// creating the unique key index the CAS writes depend on.
func NewSessionStore(ctx context.Context, opts Options) (*SessionStore, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "doc_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(idxCtx, index); err != nil {
		return nil, err
	}
	return &SessionStore{coll: coll, timeout: timeout}, nil
}

// Get implements session.SessionHost.
func (s *SessionStore) Get(ctx context.Context, key session.Key) (*session.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc snapshotDocument
	if err := s.coll.FindOne(ctx, bson.M{"doc_key": docKey(key)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return doc.toSnapshot(), nil
}

// Put implements session.SessionHost: it fails if a document already
// exists for snap.Key, via an idempotent $setOnInsert-only update (no
// path may be set outside $setOnInsert, or Mongo rejects the update).
func (s *SessionStore) Put(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		return errors.New("mongo: snapshot must not be nil")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromSnapshot(snap)
	doc.Revision = 1
	filter := bson.M{"doc_key": docKey(snap.Key)}
	update := bson.M{"$setOnInsert": doc.asBSON()}
	res, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return err
	}
	if res.UpsertedCount == 0 {
		return errors.New("mongo: snapshot already exists for key")
	}
	snap.Revision = 1
	return nil
}

// UpdateCAS implements session.SessionHost: the filter pins both doc_key
// and the expected revision, so a concurrent writer's successful update
// makes this one match zero documents rather than clobbering it.
func (s *SessionStore) UpdateCAS(ctx context.Context, snap *session.Snapshot, expectedRevision uint64) (bool, error) {
	if snap == nil {
		return false, errors.New("mongo: snapshot must not be nil")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromSnapshot(snap)
	doc.Revision = expectedRevision + 1
	filter := bson.M{"doc_key": docKey(snap.Key), "revision": expectedRevision}
	update := bson.M{"$set": doc.asBSON()}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, getErr := s.Get(ctx, snap.Key); errors.Is(getErr, session.ErrNotFound) {
			return false, session.ErrNotFound
		}
		return false, nil
	}
	snap.Revision = doc.Revision
	return true, nil
}

// Delete implements session.SessionHost.
func (s *SessionStore) Delete(ctx context.Context, key session.Key) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"doc_key": docKey(key)})
	return err
}

// Touch implements session.SessionHost.
func (s *SessionStore) Touch(ctx context.Context, key session.Key, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"doc_key": docKey(key)}
	update := bson.M{"$set": bson.M{"ttl_seconds": int64(ttl / time.Second), "updated_at": time.Now().UTC()}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *SessionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func docKey(k session.Key) string {
	return k.TenantKey + "|" + string(k.FlowID) + "|" + k.SessionHint
}
