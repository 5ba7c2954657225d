package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceverify/internal/face"
)

// EmbeddingRecord represents a persisted face embedding.
type EmbeddingRecord struct {
	ID        uint            `gorm:"primaryKey"`
	Embedding pgvector.Vector `gorm:"column:embedding;type:vector;not null"`
	Subject   string          `gorm:"column:subject;size:128;index"`
	ImageHash string          `gorm:"column:image_hash;size:40;index"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (EmbeddingRecord) TableName() string {
	return "face_embeddings"
}

// Vector returns the stored embedding.
func (r EmbeddingRecord) Vector() face.Embedding {
	return face.Embedding(r.Embedding.Slice())
}

// NewEmbeddingRecord builds an unsaved record.
func NewEmbeddingRecord(e face.Embedding, subject, imageHash string) *EmbeddingRecord {
	return &EmbeddingRecord{
		Embedding: pgvector.NewVector([]float32(e)),
		Subject:   subject,
		ImageHash: imageHash,
	}
}

// Options configure the database handle.
type Options struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        gormlogger.LogLevel
}

// Open connects to postgres, applies pool limits and pings the server.
func Open(ctx context.Context, opts Options) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(opts.LogLevel)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}

	return db, nil
}

// EmbeddingRepository provides persistence APIs for face embeddings.
type EmbeddingRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewEmbeddingRepository creates a new repository instance.
func NewEmbeddingRepository(db *gorm.DB, logger *zap.Logger) *EmbeddingRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmbeddingRepository{db: db, logger: logger.Named("embedding_repository")}
}

// AutoMigrate ensures the vector extension and schema are available.
func (r *EmbeddingRepository) AutoMigrate(ctx context.Context) error {
	db := r.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	return db.AutoMigrate(&EmbeddingRecord{})
}

// Create persists record and fills its ID and CreatedAt.
func (r *EmbeddingRepository) Create(ctx context.Context, record *EmbeddingRecord) error {
	start := time.Now()
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return err
	}
	r.logger.Debug("embedding stored",
		zap.Uint("id", record.ID),
		zap.Int("dimensions", len(record.Embedding.Slice())),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// FindByID loads a record. Missing rows return face.ErrNotFound.
func (r *EmbeddingRepository) FindByID(ctx context.Context, id uint) (*EmbeddingRecord, error) {
	var record EmbeddingRecord
	if err := r.db.WithContext(ctx).First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, face.Errorf(face.KindNotFound, "embedding %d not found", id)
		}
		return nil, err
	}
	return &record, nil
}

// FindNearest returns up to limit records ordered by cosine distance to query.
func (r *EmbeddingRepository) FindNearest(ctx context.Context, query face.Embedding, limit int) ([]EmbeddingRecord, error) {
	var records []EmbeddingRecord
	if err := nearest(r.db.WithContext(ctx), query, limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func nearest(tx *gorm.DB, query face.Embedding, limit int) *gorm.DB {
	return tx.Model(&EmbeddingRecord{}).
		Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:  "embedding <=> ?",
			Vars: []interface{}{pgvector.NewVector([]float32(query))},
		}}).
		Limit(limit)
}
