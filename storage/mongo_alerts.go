package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis/core"
	"aegis/metrics"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoAlertStoreOptions configures the batching writer
type MongoAlertStoreOptions struct {
	BatchSize      int
	InsertTimeout  time.Duration
	DedupCacheSize int
}

// DefaultMongoAlertStoreOptions returns sensible writer defaults
func DefaultMongoAlertStoreOptions() MongoAlertStoreOptions {
	return MongoAlertStoreOptions{
		BatchSize:      100,
		InsertTimeout:  10 * time.Second,
		DedupCacheSize: 10000,
	}
}

// MongoAlertStore persists alerts and their audit trail in MongoDB. Alerts
// arriving on the ingest channel are batched by background workers; failed
// batches land in a dead-letter collection for operator replay. Synchronous
// reads and retention updates go straight to the collections.
type MongoAlertStore struct {
	mongoDB       *MongoDB
	alertsColl    AlertCollection
	auditColl     AlertCollection
	dlColl        AlertCollection
	batchSize     int
	alertCh       <-chan *core.Alert
	timeout       time.Duration
	wg            sync.WaitGroup
	dedupOrder    *list.List
	dedupOrderMap map[string]*list.Element
	dedupSize     int
	dedupMutex    sync.Mutex
	logger        *zap.SugaredLogger
}

// NewMongoAlertStore creates a new alert store. alertCh may be nil when the
// store is used only for synchronous access.
func NewMongoAlertStore(mongoDB *MongoDB, opts MongoAlertStoreOptions, alertCh <-chan *core.Alert, logger *zap.SugaredLogger) *MongoAlertStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultMongoAlertStoreOptions().BatchSize
	}
	if opts.InsertTimeout <= 0 {
		opts.InsertTimeout = DefaultMongoAlertStoreOptions().InsertTimeout
	}
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = DefaultMongoAlertStoreOptions().DedupCacheSize
	}
	return &MongoAlertStore{
		mongoDB:       mongoDB,
		alertsColl:    &mongoAlertCollection{Collection: mongoDB.Database.Collection("alerts")},
		auditColl:     &mongoAlertCollection{Collection: mongoDB.Database.Collection("retention_audit")},
		dlColl:        &mongoAlertCollection{Collection: mongoDB.Database.Collection("dead_letter_alerts")},
		batchSize:     opts.BatchSize,
		alertCh:       alertCh,
		timeout:       opts.InsertTimeout,
		dedupOrder:    list.New(),
		dedupOrderMap: make(map[string]*list.Element),
		dedupSize:     opts.DedupCacheSize,
		logger:        logger,
	}
}

// Start starts the batching workers
func (ms *MongoAlertStore) Start(numWorkers int) {
	if ms.alertCh == nil {
		return
	}
	for i := 0; i < numWorkers; i++ {
		ms.wg.Add(1)
		go ms.worker()
	}
}

// worker batches alerts from the channel
func (ms *MongoAlertStore) worker() {
	defer ms.wg.Done()
	batch := make([]interface{}, 0, ms.batchSize)

	for alert := range ms.alertCh {
		hash := ms.hashAlert(alert)
		ms.dedupMutex.Lock()
		if _, exists := ms.dedupOrderMap[hash]; exists {
			ms.dedupMutex.Unlock()
			continue
		}
		elem := ms.dedupOrder.PushBack(hash)
		ms.dedupOrderMap[hash] = elem
		// LRU eviction: remove oldest if too large
		if ms.dedupOrder.Len() > ms.dedupSize {
			front := ms.dedupOrder.Front()
			delete(ms.dedupOrderMap, front.Value.(string))
			ms.dedupOrder.Remove(front)
		}
		ms.dedupMutex.Unlock()

		batch = append(batch, alert)

		if len(batch) >= ms.batchSize {
			ms.insertBatch(batch)
			batch = batch[:0]
		}
	}

	// Insert remaining
	if len(batch) > 0 {
		ms.insertBatch(batch)
	}
}

// hashAlert generates a fast xxHash for deduplication (non-cryptographic)
func (ms *MongoAlertStore) hashAlert(alert *core.Alert) string {
	data := fmt.Sprintf("%s-%s-%d", alert.AlertID, alert.Payload.Source, alert.Timestamp.Unix())
	return fmt.Sprintf("%016x", xxhash.Sum64String(data))
}

// insertBatch inserts a batch of alerts
func (ms *MongoAlertStore) insertBatch(batch []interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), ms.timeout)
	defer cancel()

	_, err := ms.alertsColl.InsertMany(ctx, batch)
	if err != nil {
		ms.logger.Errorf("Failed to insert alert batch: %v", err)
		ms.insertDeadLetter(ctx, batch)
	}
}

// insertDeadLetter inserts failed alerts to the dead letter collection
func (ms *MongoAlertStore) insertDeadLetter(ctx context.Context, batch []interface{}) {
	dlDocs := make([]interface{}, len(batch))
	for i, doc := range batch {
		dlDocs[i] = bson.M{
			"failed_at": time.Now(),
			"document":  doc,
		}
	}
	_, err := ms.dlColl.InsertMany(ctx, dlDocs)
	if err != nil {
		ms.logger.Errorf("Failed to insert alert to dead letter: %v", err)
		metrics.DeadLetterInsertFailures.Inc()
	}
}

// Stop waits for the workers to drain the channel
func (ms *MongoAlertStore) Stop() {
	ms.wg.Wait()
}

// SaveAlert inserts or replaces an alert synchronously
func (ms *MongoAlertStore) SaveAlert(ctx context.Context, alert *core.Alert) error {
	filter := bson.M{"alert_id": alert.AlertID}
	update := bson.M{"$set": alert}
	opts := options.Update().SetUpsert(true)

	_, err := ms.alertsColl.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// GetAlert returns the alert with the given ID, or ErrAlertNotFound
func (ms *MongoAlertStore) GetAlert(ctx context.Context, alertID string) (*core.Alert, error) {
	var alert core.Alert
	err := ms.alertsColl.FindOne(ctx, bson.M{"alert_id": alertID}).Decode(&alert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &alert, nil
}

// ListAlerts returns all stored alerts ordered by timestamp ascending
func (ms *MongoAlertStore) ListAlerts(ctx context.Context) ([]*core.Alert, error) {
	findOptions := options.Find().SetSort(bson.M{"timestamp": 1})
	cursor, err := ms.alertsColl.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find alerts: %w", err)
	}
	defer cursor.Close(ctx)

	var alerts []*core.Alert
	for cursor.Next(ctx) {
		var alert core.Alert
		if err := cursor.Decode(&alert); err != nil {
			return nil, fmt.Errorf("failed to decode alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return alerts, nil
}

// RemoveAlert deletes an alert by ID
func (ms *MongoAlertStore) RemoveAlert(ctx context.Context, alertID string) error {
	result, err := ms.alertsColl.DeleteOne(ctx, bson.M{"alert_id": alertID})
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// UpdateRetention replaces the retention metadata of a stored alert
func (ms *MongoAlertStore) UpdateRetention(ctx context.Context, alertID string, md *core.RetentionMetadata) error {
	filter := bson.M{"alert_id": alertID}
	update := bson.M{"$set": bson.M{"retention": md}}

	result, err := ms.alertsColl.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update retention metadata: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// AppendAudit appends an immutable audit entry
func (ms *MongoAlertStore) AppendAudit(ctx context.Context, entry *core.RetentionAuditEntry) error {
	_, err := ms.auditColl.InsertOne(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries ordered by timestamp ascending. An empty
// alertID returns the full trail.
func (ms *MongoAlertStore) ListAudit(ctx context.Context, alertID string) ([]core.RetentionAuditEntry, error) {
	filter := bson.M{}
	if alertID != "" {
		filter["alert_id"] = alertID
	}

	findOptions := options.Find().SetSort(bson.M{"timestamp": 1})
	cursor, err := ms.auditColl.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]core.RetentionAuditEntry, 0)
	for cursor.Next(ctx) {
		var entry core.RetentionAuditEntry
		if err := cursor.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return entries, nil
}

// PruneAudit removes audit entries older than the cutoff and returns the count
func (ms *MongoAlertStore) PruneAudit(ctx context.Context, olderThan time.Time) (int, error) {
	filter := bson.M{"timestamp": bson.M{"$lt": olderThan}}
	result, err := ms.auditColl.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	return int(result.DeletedCount), nil
}

// DeadLetterCount returns the number of alerts parked in the dead letter
// collection.
func (ms *MongoAlertStore) DeadLetterCount(ctx context.Context) (int64, error) {
	count, err := ms.dlColl.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letter alerts: %w", err)
	}
	return count, nil
}
