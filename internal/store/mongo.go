package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func openMongo(ctx context.Context, opts Options) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.ConnectTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &MongoStore{client: client, db: client.Database(opts.Database)}, nil
}

func (s *MongoStore) Collection(_ context.Context, name string) (Collection, error) {
	return &mongoCollection{coll: s.db.Collection(name)}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) UpsertMany(ctx context.Context, run string, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		body, err := stamp(doc.Body, run)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", doc.Key, err)
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: doc.Key}}).
			SetReplacement(body).
			SetUpsert(true))
	}

	res, err := c.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		written := 0
		if res != nil {
			written = int(res.MatchedCount + res.UpsertedCount)
		}
		return written, fmt.Errorf("bulk upsert into %s: %w", c.coll.Name(), err)
	}
	return len(docs), nil
}

func (c *mongoCollection) Get(ctx context.Context, key string, out any) (bool, error) {
	err := c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *mongoCollection) Count(ctx context.Context) (int64, error) {
	return c.coll.CountDocuments(ctx, bson.D{})
}

func (c *mongoCollection) Prune(ctx context.Context, run string) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, bson.D{{Key: runField, Value: bson.D{{Key: "$ne", Value: run}}}})
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", c.coll.Name(), err)
	}
	return res.DeletedCount, nil
}

// stamp encodes body and appends the run marker.
func stamp(body any, run string) (bson.D, error) {
	raw, err := bson.Marshal(body)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return append(doc, bson.E{Key: runField, Value: run}), nil
}
