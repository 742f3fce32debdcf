package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/permastore/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const mongoLinksCollection = "links"

// MongoStore is a LinkStore keeping one document per link, keyed by token in _id
type MongoStore struct {
	client *mongo.Client
	links  *mongo.Collection
	now    func() time.Time
}

// NewMongoStore connects to uri and pings the deployment
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client: client,
		links:  client.Database(database).Collection(mongoLinksCollection),
		now:    time.Now,
	}, nil
}

// Close disconnects from MongoDB
func (ms *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

// Ping checks the MongoDB connection
func (ms *MongoStore) Ping(ctx context.Context) error {
	return ms.client.Ping(ctx, nil)
}

// Put inserts a link document. The _id index rejects duplicate tokens.
func (ms *MongoStore) Put(ctx context.Context, token string, refs []models.ContentRef) error {
	ctx, span := tracer.Start(ctx, "mongo.put_link",
		trace.WithAttributes(
			attribute.String("token", token),
			attribute.Int("item_count", len(refs)),
		),
	)
	defer span.End()

	if len(refs) == 0 {
		return ErrEmptyBatch
	}

	record := models.LinkRecord{
		Token:     token,
		Refs:      models.CloneRefs(refs),
		CreatedAt: ms.now().UTC(),
	}
	if _, err := ms.links.InsertOne(ctx, record); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return ErrDuplicateToken
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert link: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// Get loads a link document
func (ms *MongoStore) Get(ctx context.Context, token string) (*models.LinkRecord, error) {
	ctx, span := tracer.Start(ctx, "mongo.get_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	var record models.LinkRecord
	err := ms.links.FindOne(ctx, bson.M{"_id": token}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query link: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &record, nil
}

// Delete removes a link document
func (ms *MongoStore) Delete(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "mongo.delete_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	if _, err := ms.links.DeleteOne(ctx, bson.M{"_id": token}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}
