package docstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoStore is the production Store, backed by a MongoDB database. Change
// subscriptions map onto change streams, so resume tokens are the server's
// own and survive process restarts.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo connects to the deployment at uri and returns a store over the
// named database. The caller owns the connection and must Close it.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &StorageError{Op: "connect", Err: err}
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Collection implements Store.
func (s *MongoStore) Collection(name string) Collection {
	return &mongoCollection{coll: s.db.Collection(name)}
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying connection.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

type mongoCollection struct {
	coll *mongo.Collection
}

// Name implements Collection.
func (c *mongoCollection) Name() string { return c.coll.Name() }

// ReadBatches implements Collection by walking a server cursor with the given
// batch size, so the full collection is never held in memory at once.
func (c *mongoCollection) ReadBatches(ctx context.Context, batchSize int, fn func([]Document) error) error {
	if batchSize <= 0 {
		return &StorageError{Op: "read", Collection: c.Name(), Err: fmt.Errorf("batch size must be positive, got %d", batchSize)}
	}
	cursor, err := c.coll.Find(ctx, bson.D{}, options.Find().SetBatchSize(int32(batchSize)))
	if err != nil {
		return &StorageError{Op: "read", Collection: c.Name(), Err: err}
	}
	defer cursor.Close(ctx)

	batch := make([]Document, 0, batchSize)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return &StorageError{Op: "read", Collection: c.Name(), Err: err}
		}
		batch = append(batch, toDocument(raw))
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([]Document, 0, batchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return &StorageError{Op: "read", Collection: c.Name(), Err: err}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Insert implements Collection.
func (c *mongoCollection) Insert(ctx context.Context, doc Document) error {
	if _, err := c.coll.InsertOne(ctx, bson.M(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &StorageError{Op: "insert", Collection: c.Name(), Err: fmt.Errorf("%w: %v", ErrDuplicateKey, err)}
		}
		return &StorageError{Op: "insert", Collection: c.Name(), Err: err}
	}
	return nil
}

// InsertMany implements Collection. On failure the driver reports which
// writes landed; that count is surfaced in the PartialWriteError and nothing
// is rolled back.
func (c *mongoCollection) InsertMany(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	payload := make([]any, len(docs))
	for i, doc := range docs {
		payload[i] = bson.M(doc)
	}
	res, err := c.coll.InsertMany(ctx, payload, options.InsertMany().SetOrdered(true))
	if err != nil {
		inserted := 0
		if res != nil {
			inserted = len(res.InsertedIDs)
		}
		return &PartialWriteError{
			Collection: c.Name(),
			Attempted:  len(docs),
			Inserted:   inserted,
			Err:        err,
		}
	}
	return nil
}

// Upsert implements Collection via a replace-with-upsert.
func (c *mongoCollection) Upsert(ctx context.Context, id any, doc Document) error {
	replacement := make(bson.M, len(doc)+1)
	for k, v := range doc {
		replacement[k] = v
	}
	replacement["_id"] = id
	_, err := c.coll.ReplaceOne(ctx, bson.M{"_id": id}, replacement, options.Replace().SetUpsert(true))
	if err != nil {
		return &StorageError{Op: "upsert", Collection: c.Name(), Err: err}
	}
	return nil
}

// changeEventDocument mirrors the change-stream envelope fields the pipeline
// consumes.
type changeEventDocument struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
}

// Watch implements Collection over a MongoDB change stream.
func (c *mongoCollection) Watch(ctx context.Context, resumeToken []byte) (ChangeStream, error) {
	opts := options.ChangeStream()
	if resumeToken != nil {
		opts.SetResumeAfter(bson.Raw(resumeToken))
	}
	stream, err := c.coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, &StorageError{Op: "watch", Collection: c.Name(), Err: err}
	}
	return &mongoStream{collection: c.Name(), stream: stream}, nil
}

type mongoStream struct {
	collection string
	stream     *mongo.ChangeStream
}

// Next implements ChangeStream.
func (s *mongoStream) Next(ctx context.Context) (ChangeEvent, error) {
	if !s.stream.Next(ctx) {
		err := s.stream.Err()
		if err == nil {
			err = ctx.Err()
		}
		return ChangeEvent{}, &StorageError{Op: "watch", Collection: s.collection, Err: err}
	}
	var ev changeEventDocument
	if err := s.stream.Decode(&ev); err != nil {
		return ChangeEvent{}, &StorageError{Op: "watch", Collection: s.collection, Err: err}
	}
	token := append([]byte(nil), []byte(s.stream.ResumeToken())...)
	return ChangeEvent{
		Op:           OpType(ev.OperationType),
		FullDocument: toDocument(ev.FullDocument),
		ResumeToken:  token,
	}, nil
}

// Close implements ChangeStream.
func (s *mongoStream) Close(ctx context.Context) error {
	if err := s.stream.Close(ctx); err != nil {
		return &StorageError{Op: "watch", Collection: s.collection, Err: err}
	}
	return nil
}

// toDocument converts decoded BSON into plain Go maps and slices so the
// normalizer's type assertions work on documents from any backend.
func toDocument(m bson.M) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = toPlain(v)
	}
	return out
}

func toPlain(v any) any {
	switch t := v.(type) {
	case bson.M:
		return map[string]any(toDocument(t))
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = toPlain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = toPlain(e)
		}
		return out
	default:
		return v
	}
}
