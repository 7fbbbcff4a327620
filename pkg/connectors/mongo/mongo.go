// Package mongo reads documents from and inserts documents into MongoDB
// collections.
package mongo

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/oarkflow/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/watermark"
)

// Connector params: uri, database and collection (default object).
type Connector struct {
	uri        string
	database   string
	collection string

	mu     sync.Mutex
	client *mongo.Client
}

func New() connectors.Connector { return &Connector{} }

func (c *Connector) RequiredParams() []string { return []string{"uri", "database"} }

func (c *Connector) Configure(params map[string]any) error {
	c.uri = connectors.String(params, "uri", "")
	c.database = connectors.String(params, "database", "")
	c.collection = connectors.String(params, "collection", "")
	if c.uri == "" || c.database == "" {
		return errors.New("mongo connector: uri and database are required")
	}
	return nil
}

func (c *Connector) connect(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Connector) coll(ctx context.Context, object string) (*mongo.Collection, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	name := object
	if name == "" {
		name = c.collection
	}
	if name == "" {
		return nil, fmt.Errorf("mongo connector: no collection given")
	}
	return client.Database(c.database).Collection(name), nil
}

func (c *Connector) TestConnection(ctx context.Context) (bool, string) {
	if _, err := c.connect(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	opts := options.Find()
	if len(columns) > 0 {
		projection := bson.M{}
		for _, col := range columns {
			projection[col] = 1
		}
		opts.SetProjection(projection)
	}
	return connectors.Batch(ctx, c.find(ctx, object, bson.M{}, opts), columns, batchSize)
}

// ReadIncremental filters with $gt on the server and sorts by the cursor.
func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	opts := options.Find().SetSort(bson.D{{Key: cursorField, Value: 1}})
	return connectors.Batch(ctx, c.find(ctx, object, CursorFilter(cursorField, cursorValue), opts), nil, batchSize)
}

// CursorFilter matches documents whose field is greater than value. A
// value that reads as a time also matches BSON dates, since $gt only
// compares within one BSON type.
func CursorFilter(field string, value any) bson.M {
	value = watermark.Normalize(value)
	if value == nil {
		return bson.M{}
	}
	if s, ok := value.(string); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return bson.M{"$or": bson.A{
					bson.M{field: bson.M{"$gt": s}},
					bson.M{field: bson.M{"$gt": t}},
				}}
			}
		}
	}
	return bson.M{field: bson.M{"$gt": value}}
}

func (c *Connector) find(ctx context.Context, object string, filter bson.M, opts *options.FindOptions) iter.Seq2[utils.Record, error] {
	return func(yield func(utils.Record, error) bool) {
		coll, err := c.coll(ctx, object)
		if err != nil {
			yield(nil, err)
			return
		}
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cursor.Close(ctx)
		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(nil, err)
				return
			}
			if !yield(FromBSON(doc), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// FromBSON converts driver types into plain Go values.
func FromBSON(doc bson.M) utils.Record {
	rec := make(utils.Record, len(doc))
	for k, v := range doc {
		rec[k] = fromBSONValue(v)
	}
	return rec
}

func fromBSONValue(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		return x.String()
	case int32:
		return int64(x)
	case bson.M:
		return map[string]any(FromBSON(x))
	case bson.D:
		return map[string]any(FromBSON(x.Map()))
	case bson.A:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = fromBSONValue(item)
		}
		return out
	}
	return v
}

func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	coll, err := c.coll(ctx, object)
	if err != nil {
		return 0, err
	}
	var written int64
	for chunk, err := range chunks {
		if err != nil {
			return written, err
		}
		if chunk.Len() == 0 {
			continue
		}
		docs := make([]any, len(chunk.Records))
		for i, rec := range chunk.Records {
			docs[i] = rec
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return written, err
		}
		written += int64(len(res.InsertedIDs))
	}
	return written, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.Disconnect(ctx)
	c.client = nil
	return err
}
