// Package mongo stores jobs and locks in MongoDB. Claims and lock takeovers
// are single-document findAndModify or upsert operations whose filter
// carries the precondition.
package mongo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/BranchIntl/jobqueue/job"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Store implements core.Store on MongoDB
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	options Options
}

// NewStore creates a store that dials its own client on Connect
func NewStore(opts Options) *Store {
	return &Store{options: opts}
}

// NewStoreFromDatabase wraps an existing database handle. Close leaves
// its client connected.
func NewStoreFromDatabase(db *mongo.Database) *Store {
	opts := DefaultOptions()
	opts.Database = db.Name()
	opts.EnsureIndexes = false
	return &Store{db: db, options: opts}
}

// Connect dials MongoDB, pings the primary and ensures indexes
func (s *Store) Connect(ctx context.Context) error {
	if s.db == nil {
		clientOpts := options.Client().
			ApplyURI(s.options.URI).
			SetConnectTimeout(s.options.ConnectTimeout).
			SetMaxPoolSize(s.options.MaxPoolSize)

		client, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			return errors.NewConnectionError(redactURI(s.options.URI), err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.options.ConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return errors.NewConnectionError(redactURI(s.options.URI), fmt.Errorf("ping failed: %w", err))
		}

		s.client = client
		s.db = client.Database(s.options.Database)
	}

	if s.options.EnsureIndexes {
		if err := s.ensureIndexes(ctx); err != nil {
			return err
		}
	}

	return nil
}

// ensureIndexes creates the claim, lease and lock TTL indexes
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.jobs().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "queue_name", Value: 1},
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetName("claim_order"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "lock_expires_at", Value: 1},
			},
			Options: options.Index().SetName("lease_expiry"),
		},
	})
	if err != nil {
		return errors.NewStoreError("ensure_indexes", "", err)
	}

	grace := int32(s.options.LockTTLGrace / time.Second)
	_, err = s.locks().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("lock_ttl").SetExpireAfterSeconds(grace),
	})
	if err != nil {
		return errors.NewStoreError("ensure_indexes", "", err)
	}
	return nil
}

// Close disconnects the client if the store dialed it
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect(context.Background())
	s.client = nil
	s.db = nil
	return err
}

// Health pings the primary
func (s *Store) Health() error {
	if s.db == nil {
		return errors.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.Client().Ping(ctx, readpref.Primary()); err != nil {
		return errors.NewConnectionError(redactURI(s.options.URI), fmt.Errorf("health check failed: %w", err))
	}
	return nil
}

// redactURI hides the password of a connection string. Seed lists make
// mongodb URIs unparseable by net/url, so the userinfo is cut by hand.
func redactURI(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	hosts := rest
	if end := strings.IndexAny(rest, "/?"); end >= 0 {
		hosts = rest[:end]
	}
	at := strings.LastIndex(hosts, "@")
	if at < 0 {
		return uri
	}
	user, _, hasPassword := strings.Cut(hosts[:at], ":")
	if !hasPassword {
		return uri
	}
	return scheme + "://" + user + ":xxxxx" + rest[at:]
}

// Type returns the store type
func (s *Store) Type() string {
	return "mongo"
}

func (s *Store) jobs() *mongo.Collection     { return s.db.Collection(jobsCollection) }
func (s *Store) locks() *mongo.Collection    { return s.db.Collection(locksCollection) }
func (s *Store) counters() *mongo.Collection { return s.db.Collection(countersCollection) }

func (s *Store) check(op, queue string) error {
	if s.db == nil {
		return errors.NewStoreError(op, queue, errors.ErrNotConnected)
	}
	return nil
}

// nextSeq atomically increments the job sequence counter
func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters().FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: jobSeqCounter}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

// Insert stores a new queued job and assigns its sequence number
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if err := s.check("insert", j.Queue); err != nil {
		return err
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return errors.NewStoreError("insert", j.Queue, fmt.Errorf("next sequence: %w", err))
	}

	doc := fromJob(j)
	doc.Seq = seq
	if doc.Payload == nil {
		doc.Payload = []byte{}
	}

	if _, err := s.jobs().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.NewStoreError("insert", j.Queue, fmt.Errorf("job %s: %w", j.ID, errors.ErrDuplicateID))
		}
		return errors.NewStoreError("insert", j.Queue, err)
	}

	j.Seq = seq
	j.Status = job.StatusQueued
	j.Attempts = 0
	return nil
}

// Get returns the stored job
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := s.check("get", ""); err != nil {
		return nil, err
	}

	var doc jobDocument
	err := s.jobs().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	if err != nil {
		return nil, errors.NewStoreError("get", "", err)
	}
	return doc.toJob(), nil
}

// FindClaimable returns ids of claimable jobs, highest priority first
func (s *Store) FindClaimable(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	filter := bson.D{
		{Key: "queue_name", Value: queue},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: string(job.StatusQueued)}},
			bson.D{
				{Key: "status", Value: string(job.StatusLocked)},
				{Key: "lock_expires_at", Value: bson.D{{Key: "$lt", Value: now.UTC()}}},
			},
		}},
	}
	return s.findIDs(ctx, "find_claimable", queue, filter, limit)
}

// FindStale returns ids of locked jobs whose lease expired before now
func (s *Store) FindStale(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	filter := bson.D{
		{Key: "queue_name", Value: queue},
		{Key: "status", Value: string(job.StatusLocked)},
		{Key: "lock_expires_at", Value: bson.D{{Key: "$lt", Value: now.UTC()}}},
	}
	return s.findIDs(ctx, "find_stale", queue, filter, limit)
}

func (s *Store) findIDs(ctx context.Context, op, queue string, filter bson.D, limit int) ([]string, error) {
	if err := s.check(op, queue); err != nil {
		return nil, err
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "seq", Value: 1}}).
		SetProjection(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.jobs().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errors.NewStoreError(op, queue, err)
	}

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.NewStoreError(op, queue, err)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// ConditionalUpdate applies patch iff the job matches pred
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	return s.update(ctx, "conditional_update", id, pred, patch)
}

// Update applies patch unconditionally
func (s *Store) Update(ctx context.Context, id string, patch job.Patch) (*job.Job, error) {
	j, _, err := s.update(ctx, "update", id, job.Predicate{}, patch)
	return j, err
}

func (s *Store) update(ctx context.Context, op, id string, pred job.Predicate, patch job.Patch) (*job.Job, bool, error) {
	if err := s.check(op, ""); err != nil {
		return nil, false, err
	}

	var doc jobDocument
	err := s.jobs().FindOneAndUpdate(ctx,
		predicateFilter(id, pred),
		patchUpdate(patch),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.toJob(), true, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, false, errors.NewStoreError(op, "", err)
	}

	// jobs are never deleted, so a miss here is stable
	n, err := s.jobs().CountDocuments(ctx, bson.D{{Key: "_id", Value: id}}, options.Count().SetLimit(1))
	if err != nil {
		return nil, false, errors.NewStoreError(op, "", err)
	}
	if n == 0 {
		return nil, false, fmt.Errorf("job %s: %w", id, errors.ErrJobNotFound)
	}
	return nil, false, nil
}

// Queues returns every queue that has seen a job
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	if err := s.check("queues", ""); err != nil {
		return nil, err
	}

	values, err := s.jobs().Distinct(ctx, "queue_name", bson.D{})
	if err != nil {
		return nil, errors.NewStoreError("queues", "", err)
	}

	queues := make([]string, 0, len(values))
	for _, v := range values {
		if q, ok := v.(string); ok {
			queues = append(queues, q)
		}
	}
	sort.Strings(queues)
	return queues, nil
}

// Stats counts jobs in queue by status
func (s *Store) Stats(ctx context.Context, queue string) (job.Stats, error) {
	stats := job.Stats{Queue: queue}
	if err := s.check("stats", queue); err != nil {
		return stats, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "queue_name", Value: queue}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.jobs().Aggregate(ctx, pipeline)
	if err != nil {
		return stats, errors.NewStoreError("stats", queue, err)
	}

	var rows []struct {
		Status string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return stats, errors.NewStoreError("stats", queue, err)
	}
	for _, row := range rows {
		stats.Add(job.Status(row.Status), row.N)
	}
	return stats, nil
}

// AcquireLock takes name for owner if it is free at now. The upsert
// filter only matches a missing or expired record; a live record makes the
// upsert collide on _id, which reads as "held".
func (s *Store) AcquireLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if err := s.check("acquire_lock", ""); err != nil {
		return false, err
	}

	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: lockDocument{
		Name:       name,
		Owner:      owner,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}}}

	result, err := s.locks().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewStoreError("acquire_lock", "", err)
	}
	return result.MatchedCount+result.UpsertedCount > 0, nil
}

// RenewLock extends a live lease held by owner
func (s *Store) RenewLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if err := s.check("renew_lock", ""); err != nil {
		return false, err
	}

	filter := bson.D{
		{Key: "_id", Value: name},
		{Key: "owner", Value: owner},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "expires_at", Value: now.Add(ttl).UTC()}}}}

	result, err := s.locks().UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.NewStoreError("renew_lock", "", err)
	}
	return result.MatchedCount == 1, nil
}

// ReleaseLock removes the lease if owner holds it
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	if err := s.check("release_lock", ""); err != nil {
		return false, err
	}

	result, err := s.locks().DeleteOne(ctx, bson.D{{Key: "_id", Value: name}, {Key: "owner", Value: owner}})
	if err != nil {
		return false, errors.NewStoreError("release_lock", "", err)
	}
	return result.DeletedCount == 1, nil
}
