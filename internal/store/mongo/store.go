// Package mongo is the production store backed by a MongoDB deployment
// shared by every cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
)

var _ store.Store = (*Store)(nil)

// Options configures the client connection
type Options struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

// Store implements store.Store on top of a mongo database. The Store owns
// the client and disconnects it on Close.
type Store struct {
	logger *zap.Logger
	client *mongod.Client
	db     *mongod.Database
}

// Open connects to the deployment and verifies it with a ping
func Open(ctx context.Context, logger *zap.Logger, opts Options) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(opts.MaxPoolSize).
		SetMinPoolSize(opts.MinPoolSize).
		SetRetryWrites(true).
		SetRetryReads(true).
		SetWriteConcern(writeconcern.Majority())
	if opts.MaxConnIdleTime > 0 {
		clientOpts.SetMaxConnIdleTime(opts.MaxConnIdleTime)
	}
	if opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	}
	if opts.ServerSelectionTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(opts.ServerSelectionTimeout)
	}

	client, err := mongod.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	s := New(logger, client, opts.Database)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("Connected to mongo", zap.String("database", opts.Database))
	return s, nil
}

// New wraps an existing client
func New(logger *zap.Logger, client *mongod.Client, database string) *Store {
	return &Store{
		logger: logger,
		client: client,
		db:     client.Database(database),
	}
}

// Migrate creates the indexes for every collection
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks connectivity against the primary
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	err := s.client.Disconnect(ctx)
	if errors.Is(err, mongod.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (s *Store) UpsertStatus(ctx context.Context, rec *model.ShardStatusRecord) error {
	m := toStatusModel(rec)
	_, err := s.db.Collection(store.CollectionStatus).UpdateOne(ctx,
		bson.M{"cluster_id": m.ClusterID},
		bson.M{"$set": m},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert status: %w", err)
	}
	return nil
}

func (s *Store) ListStatuses(ctx context.Context, since time.Time) ([]*model.ShardStatusRecord, error) {
	col := s.db.Collection(store.CollectionStatus)

	findOpts := options.Find().SetSort(bson.D{{Key: "cluster_id", Value: 1}})
	cursor, err := col.Find(ctx, bson.M{"last_updated": bson.M{"$gt": since.UTC()}}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	defer cursor.Close(ctx)

	var models []statusModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("failed to decode statuses: %w", err)
	}

	recs := make([]*model.ShardStatusRecord, 0, len(models))
	for i := range models {
		rec, err := fromStatusModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("failed to convert status: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) InsertEvent(ctx context.Context, evt *model.CrossClusterEvent) error {
	if _, err := s.db.Collection(store.CollectionEvents).InsertOne(ctx, toEventModel(evt)); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) PendingEvents(ctx context.Context, q store.EventQuery) ([]*model.CrossClusterEvent, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.db.Collection(store.CollectionEvents).Find(ctx, pendingFilter(q), findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer cursor.Close(ctx)

	var models []eventModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	events := make([]*model.CrossClusterEvent, 0, len(models))
	for i := range models {
		events = append(events, fromEventModel(&models[i]))
	}
	return events, nil
}

// pendingFilter selects unexpired events the cluster has not processed that
// either address every cluster or intersect its shard list
func pendingFilter(q store.EventQuery) bson.M {
	shardIDs := q.ShardIDs
	if shardIDs == nil {
		shardIDs = []int{}
	}
	filter := bson.M{
		"expires_at":   bson.M{"$gt": q.Now.UTC()},
		"processed_by": bson.M{"$ne": q.ClusterID},
		"$or": bson.A{
			bson.M{"target_shards": nil},
			bson.M{"target_shards": bson.M{"$in": shardIDs}},
		},
	}
	if len(q.Exclude) > 0 {
		filter["_id"] = bson.M{"$nin": q.Exclude}
	}
	return filter
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, clusterID int) (bool, error) {
	col := s.db.Collection(store.CollectionEvents)

	res, err := col.UpdateOne(ctx,
		bson.M{"_id": eventID, "processed_by": bson.M{"$ne": clusterID}},
		bson.M{"$addToSet": bson.M{"processed_by": clusterID}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := col.CountDocuments(ctx, bson.M{"_id": eventID})
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}
	if n == 0 {
		return false, store.ErrEventNotFound
	}
	return false, nil
}

func (s *Store) DeleteExpiredEvents(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.Collection(store.CollectionEvents).DeleteMany(ctx,
		bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) GetCache(ctx context.Context, namespace, key string, now time.Time) (*model.CacheDocument, error) {
	var m cacheModel
	err := s.db.Collection(store.CollectionCache).FindOne(ctx, bson.M{
		"namespace":  namespace,
		"key":        key,
		"expires_at": bson.M{"$gt": now.UTC()},
	}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return fromCacheModel(&m), nil
}

func (s *Store) SetCache(ctx context.Context, doc *model.CacheDocument) error {
	m := toCacheModel(doc)
	_, err := s.db.Collection(store.CollectionCache).UpdateOne(ctx,
		bson.M{"namespace": m.Namespace, "key": m.Key},
		bson.M{"$set": m},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCache(ctx context.Context, namespace, key string) error {
	_, err := s.db.Collection(store.CollectionCache).DeleteOne(ctx, bson.M{"namespace": namespace, "key": key})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteCacheNamespace(ctx context.Context, namespace string) (int64, error) {
	res, err := s.db.Collection(store.CollectionCache).DeleteMany(ctx, bson.M{"namespace": namespace})
	if err != nil {
		return 0, fmt.Errorf("failed to delete cache namespace: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) ClearCache(ctx context.Context) error {
	if _, err := s.db.Collection(store.CollectionCache).DeleteMany(ctx, bson.M{}); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// migrationIndexes returns the index definitions for every collection
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		store.CollectionStatus: {
			{
				Keys:    bson.D{{Key: "cluster_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "last_updated", Value: -1}}},
		},
		store.CollectionEvents: {
			{Keys: bson.D{
				{Key: "target_shards", Value: 1},
				{Key: "created_at", Value: 1},
			}},
			// Expired events are reaped by the server
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
		store.CollectionCache: {
			{
				Keys:    bson.D{{Key: "namespace", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0),
			},
		},
	}
}
