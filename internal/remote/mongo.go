package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// MongoStore is the DocumentStore backed by a MongoDB database.
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// DialMongo connects and pings the server once.
func DialMongo(ctx context.Context, uri, database string, timeout time.Duration) (*MongoStore, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(timeout).
		SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classifyMongo("ping", err)
	}
	return &MongoStore{client: client, db: client.Database(database), timeout: timeout}, nil
}

// NewMongoStore wraps an existing database handle.
func NewMongoStore(db *mongo.Database, timeout time.Duration) *MongoStore {
	return &MongoStore{client: db.Client(), db: db, timeout: timeout}
}

// Database exposes the handle for GridFS.
func (m *MongoStore) Database() *mongo.Database {
	return m.db
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *MongoStore) Upsert(ctx context.Context, collection, id string, doc any) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return classifyMongo("upsert "+collection, err)
}

func (m *MongoStore) Get(ctx context.Context, collection, id string, out any) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	return classifyMongo("get "+collection, err)
}

func (m *MongoStore) Find(ctx context.Context, collection string, q Query) ([]bson.Raw, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var filter bson.M
	switch q.Kind {
	case QueryFieldEquals, QueryArrayContains:
		// An equality filter on an array field matches any element.
		filter = bson.M{q.Field: q.Value}
	case QueryIDIn:
		if len(q.IDs) == 0 {
			return nil, nil
		}
		filter = bson.M{"_id": bson.M{"$in": q.IDs}}
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}
	cur, err := m.db.Collection(collection).Find(ctx, filter)
	if err != nil {
		return nil, classifyMongo("find "+collection, err)
	}
	var docs []bson.Raw
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo("find "+collection, err)
	}
	return docs, nil
}

func (m *MongoStore) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return classifyMongo("delete "+collection, err)
}

func (m *MongoStore) AtomicAppend(ctx context.Context, collection, id string, a Append) (bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, a.Field: bson.M{"$ne": a.Value}}
	update := bson.M{"$addToSet": bson.M{a.Field: a.Value}}
	if a.Counter != "" {
		filter[a.Counter] = bson.M{"$lt": a.Below}
		update["$inc"] = bson.M{a.Counter: 1}
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, classifyMongo("append "+collection, err)
	}
	return res.MatchedCount > 0, nil
}

func classifyMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var selErr topology.ServerSelectionError
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.As(err, &selErr) ||
		errors.Is(err, mongo.ErrClientDisconnected) || errors.Is(err, context.DeadlineExceeded) {
		return unavailable(op, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return &RejectedError{Code: "conflict", Message: err.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}
