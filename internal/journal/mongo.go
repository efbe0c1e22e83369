package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
)

// MongoJournal stores events in a MongoDB collection so multiple engine
// instances share one audit stream.
type MongoJournal struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	logger  *zap.Logger
}

// NewMongoJournal connects to MongoDB and verifies the connection with a
// ping before returning.
func NewMongoJournal(cfg config.JournalConfig, logger *zap.Logger) (*MongoJournal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo journal requires a URI")
	}
	database := cfg.Database
	if database == "" {
		database = "biem"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "journal"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo journal: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo journal: %w", err)
	}

	j := &MongoJournal{
		client:  client,
		coll:    client.Database(database).Collection(collection),
		timeout: timeout,
		logger:  logger.With(zap.String("component", "journal"), zap.String("backend", "mongo")),
	}
	j.logger.Info("mongo journal connected",
		zap.String("database", database),
		zap.String("collection", collection))
	return j, nil
}

// Append implements Journal.
func (j *MongoJournal) Append(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.coll.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	return nil
}

// Recent implements Journal.
func (j *MongoJournal) Recent(ctx context.Context, scope string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.D{}
	if scope != "" {
		filter = bson.D{{Key: "scope", Value: scope}}
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	cur, err := j.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	var events []Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode journal events: %w", err)
	}
	return events, nil
}

// Count implements Journal.
func (j *MongoJournal) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	n, err := j.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count journal events: %w", err)
	}
	return n, nil
}

// Close implements Journal.
func (j *MongoJournal) Close(ctx context.Context) error {
	return j.client.Disconnect(ctx)
}
