package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"aegis/config"
	"aegis/core"
	"aegis/storage"

	"go.uber.org/zap"
)

// AlertStore is the full persistence surface the application wires together:
// durable alerts plus the retention audit trail. Every storage backend
// satisfies it.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *core.Alert) error
	GetAlert(ctx context.Context, alertID string) (*core.Alert, error)
	ListAlerts(ctx context.Context) ([]*core.Alert, error)
	RemoveAlert(ctx context.Context, alertID string) error
	UpdateRetention(ctx context.Context, alertID string, md *core.RetentionMetadata) error
	AppendAudit(ctx context.Context, entry *core.RetentionAuditEntry) error
	ListAudit(ctx context.Context, alertID string) ([]core.RetentionAuditEntry, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int, error)
}

// StorageComponents holds all storage-related components. Only the fields
// for the configured backend are non-nil; Store always points at the active
// backend.
type StorageComponents struct {
	Backend config.StorageBackend
	Store   AlertStore

	Memory     *storage.MemoryStore
	SQLite     *storage.SQLite
	Mongo      *storage.MongoDB
	MongoStore *storage.MongoAlertStore
	Redis      *storage.RedisCache

	// AlertCh feeds the MongoDB batch writer when that backend is active.
	AlertCh chan *core.Alert
}

// InitStorage selects and initializes the configured storage backend. In
// graceful mode a failed backend degrades to the in-memory store instead of
// aborting startup.
func InitStorage(cfg *config.Config, dirs DataDirectories, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	components := &StorageComponents{Backend: cfg.Storage.Backend}

	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		sqlite, err := InitSQLite(dirs, sugar)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, err
			}
			sugar.Warnw("SQLite unavailable, degrading to in-memory storage", "error", err)
			components.Backend = config.StorageMemory
			break
		}
		components.SQLite = sqlite
		components.Store = sqlite

	case config.StorageMongoDB:
		mongo, store, alertCh, err := InitMongoDB(cfg, sugar)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, err
			}
			sugar.Warnw("MongoDB unavailable, degrading to in-memory storage", "error", err)
			components.Backend = config.StorageMemory
			break
		}
		components.Mongo = mongo
		components.MongoStore = store
		components.AlertCh = alertCh
		components.Store = &asyncMongoStore{MongoAlertStore: store, ch: alertCh}
	}

	if components.Store == nil {
		components.Memory = storage.NewMemoryStore()
		components.Store = components.Memory
		sugar.Info("In-memory alert store initialized")
	}

	if cfg.Redis.Enabled {
		cache, err := InitRedis(cfg, sugar)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, err
			}
			sugar.Warnw("Redis unavailable, snapshot caching disabled", "error", err)
		} else {
			components.Redis = cache
		}
	}

	return components, nil
}

// asyncMongoStore routes writes through the batch writer channel while
// delegating reads and retention updates to the synchronous store. Saved
// alerts become visible to readers once a worker flushes its batch.
type asyncMongoStore struct {
	*storage.MongoAlertStore
	ch chan<- *core.Alert
}

func (s *asyncMongoStore) SaveAlert(ctx context.Context, alert *core.Alert) error {
	select {
	case s.ch <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitSQLite initializes the SQLite connection pools and schema.
func InitSQLite(dirs DataDirectories, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(dirs.SQLite, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, dirs.SQLite)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return sqlite, nil
}

// InitMongoDB connects to MongoDB with retry and starts the batch writer
// workers feeding off the returned alert channel.
func InitMongoDB(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.MongoDB, *storage.MongoAlertStore, chan *core.Alert, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var mongo *storage.MongoDB
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying MongoDB connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			time.Sleep(retryDelays[attempt-1])
		}

		mongo, lastErr = storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("MongoDB connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		errMsg := ClassifyConnectionError(lastErr, "MongoDB", cfg.MongoDB.URI)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: MongoDB Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, nil, nil, fmt.Errorf("failed to connect to MongoDB after %d attempts: %w", maxRetries+1, lastErr)
	}

	sugar.Info("Connected to MongoDB successfully")

	opts := storage.DefaultMongoAlertStoreOptions()
	if cfg.Storage.BufferSize > 0 {
		opts.BatchSize = cfg.Storage.BufferSize
	}
	if cfg.MongoDB.BatchInsertTimeout > 0 {
		opts.InsertTimeout = time.Duration(cfg.MongoDB.BatchInsertTimeout) * time.Second
	}
	if cfg.Storage.DedupCacheSize > 0 {
		opts.DedupCacheSize = cfg.Storage.DedupCacheSize
	}

	alertCh := make(chan *core.Alert, cfg.Storage.BufferSize)
	store := storage.NewMongoAlertStore(mongo, opts, alertCh, sugar)
	store.Start(cfg.MongoDB.WorkerCount)
	sugar.Infow("MongoDB alert storage initialized successfully",
		"workers", cfg.MongoDB.WorkerCount,
		"batch_size", opts.BatchSize)

	return mongo, store, alertCh, nil
}

// InitRedis connects the snapshot cache.
func InitRedis(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.RedisCache, error) {
	cache, err := storage.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, sugar)
	if err != nil {
		errMsg := ClassifyConnectionError(err, "Redis", cfg.Redis.Addr)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: Redis Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if cfg.Redis.SnapshotTTL > 0 {
		cache.SetSnapshotTTL(cfg.Redis.SnapshotTTL)
	}

	sugar.Info("Redis snapshot cache initialized successfully")
	return cache, nil
}

// Close releases every open storage connection.
func (s *StorageComponents) Close(ctx context.Context, sugar *zap.SugaredLogger) {
	// Workers drain until the ingest channel closes, so close it first.
	if s.AlertCh != nil {
		close(s.AlertCh)
	}
	if s.MongoStore != nil {
		s.MongoStore.Stop()
	}
	if s.Mongo != nil {
		if err := s.Mongo.Close(ctx); err != nil {
			sugar.Errorw("Failed to close MongoDB connection", "error", err)
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Errorw("Failed to close SQLite connection", "error", err)
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			sugar.Errorw("Failed to close Redis connection", "error", err)
		}
	}
}
