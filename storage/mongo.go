package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// AlertCursor interface for mocking
type AlertCursor interface {
	All(ctx context.Context, results interface{}) error
	Close(ctx context.Context) error
	Err() error
	Next(ctx context.Context) bool
	Decode(v interface{}) error
}

// AlertCollection interface for mocking
type AlertCollection interface {
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (AlertCursor, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

// mongoAlertCursor adapts *mongo.Cursor to AlertCursor
type mongoAlertCursor struct {
	*mongo.Cursor
}

func (m *mongoAlertCursor) All(ctx context.Context, results interface{}) error {
	return m.Cursor.All(ctx, results)
}

func (m *mongoAlertCursor) Close(ctx context.Context) error {
	return m.Cursor.Close(ctx)
}

func (m *mongoAlertCursor) Err() error {
	return m.Cursor.Err()
}

func (m *mongoAlertCursor) Next(ctx context.Context) bool {
	return m.Cursor.Next(ctx)
}

func (m *mongoAlertCursor) Decode(v interface{}) error {
	return m.Cursor.Decode(v)
}

// mongoAlertCollection adapts *mongo.Collection to AlertCollection
type mongoAlertCollection struct {
	*mongo.Collection
}

func (m *mongoAlertCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (AlertCursor, error) {
	cursor, err := m.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return &mongoAlertCursor{Cursor: cursor}, nil
}

// MongoDB holds the MongoDB client and database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoDB creates a new MongoDB connection
func NewMongoDB(uri, dbName string, maxPoolSize uint64, logger *zap.SugaredLogger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).SetMaxPoolSize(maxPoolSize)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB successfully")

	return &MongoDB{
		Client:   client,
		Database: client.Database(dbName),
	}, nil
}

// HealthCheck performs a health check on the MongoDB connection
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	return m.Client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
