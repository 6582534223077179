package records

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore serves records from MongoDB collections named after objects.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects and pings the server.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Find runs a find query on the object's collection.
func (s *MongoStore) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	findOpts := options.Find()
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if len(opts.Fields) > 0 {
		projection := bson.M{}
		for _, f := range opts.Fields {
			projection[f] = 1
		}
		findOpts.SetProjection(projection)
	}

	cursor, err := s.db.Collection(object).Find(ctx, mongoFilter(filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", object, err)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", object, err)
		}
		out = append(out, Record(fromBSON(doc).(map[string]any)))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s documents: %w", object, err)
	}
	return out, nil
}

func mongoFilter(filter Filter) bson.M {
	query := bson.M{}
	for _, c := range filter {
		switch c.Op {
		case OpIn:
			values, _ := c.Value.([]any)
			query[c.Field] = bson.M{"$in": bson.A(values)}
		default:
			query[c.Field] = c.Value
		}
	}
	return query
}

// fromBSON converts driver types into the plain values the engine compares.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fromBSON(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fromBSON(val)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Decimal128:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return t.String()
		}
		return d
	default:
		return v
	}
}
