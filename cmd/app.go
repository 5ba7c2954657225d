package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/inference"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/usecase"
	"github.com/example/faceverify/internal/worker"
)

// openRepository connects to postgres and returns the embedding store. The
// returned func closes the connection pool.
func openRepository(ctx context.Context) (*repository.EmbeddingRepository, func(), error) {
	db, err := repository.Open(ctx, repository.Options{
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        logging.GormLevel(cfg.Database.LogLevel),
	})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewEmbeddingRepository(db, logger), closeDB(db), nil
}

func closeDB(db *gorm.DB) func() {
	return func() {
		sqlDB, err := db.DB()
		if err != nil {
			return
		}
		if err := sqlDB.Close(); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}
}

// newCache returns the shared redis cache when configured and the
// in-process cache otherwise.
func newCache(ctx context.Context) (usecase.Cache, func(), error) {
	if cfg.Redis.Addr == "" {
		return usecase.NewMemoryCache(cfg.Cache.TTL), func() {}, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return usecase.NewRedisCache(client), func() { _ = client.Close() }, nil
}

func newExtractor() *inference.Extractor {
	engine := inference.ONNXEngine{
		LibraryPath:    cfg.Model.LibraryPath,
		InputName:      cfg.Model.InputName,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	}
	return inference.NewExtractor(engine, inference.Options{
		ModelPath: cfg.Model.Path,
		Serialize: cfg.Model.Serialize,
	}, logger)
}

// newFaceUseCase assembles the pipeline around extractor. repo may be nil.
func newFaceUseCase(repo usecase.EmbeddingRepository, cache usecase.Cache, extractor usecase.Extractor) *usecase.FaceUseCase {
	pool := worker.NewPool(cfg.Pipeline.Workers, cfg.Pipeline.StageTimeout)
	pipeline := usecase.NewPipeline(face.NewInsetDetector(), extractor, pool, logger)
	return usecase.NewFaceUseCase(repo, cache, pipeline, usecase.Options{
		Threshold:     cfg.Match.Threshold,
		EmbeddingSize: cfg.Model.EmbeddingSize,
		CacheTTL:      cfg.Cache.TTL,
	}, logger)
}
