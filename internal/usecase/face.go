package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/logging"
	"github.com/example/faceverify/internal/repository"
)

// MaxSearchResults caps the number of records a search may return.
const MaxSearchResults = 50

// EmbeddingRepository defines the persistence operations needed by the use case.
type EmbeddingRepository interface {
	Create(ctx context.Context, record *repository.EmbeddingRecord) error
	FindByID(ctx context.Context, id uint) (*repository.EmbeddingRecord, error)
	FindNearest(ctx context.Context, query face.Embedding, limit int) ([]repository.EmbeddingRecord, error)
}

// Options tune the use case.
type Options struct {
	Threshold     float64
	EmbeddingSize int
	CacheTTL      time.Duration
}

// FaceUseCase orchestrates the encode and compare flows.
type FaceUseCase struct {
	repo     EmbeddingRepository
	cache    Cache
	pipeline *Pipeline
	opts     Options
	logger   *zap.Logger
}

// EncodeResult is the outcome of a stored encode.
type EncodeResult struct {
	ID        uint           `json:"id"`
	Embedding face.Embedding `json:"embedding"`
	CreatedAt time.Time      `json:"created_at"`
	Warnings  []face.Warning `json:"warnings,omitempty"`
}

// CompareRequest describes a comparison against a serialized or stored embedding.
type CompareRequest struct {
	Image           []byte
	StoredEmbedding string
	StoredID        uint
	Threshold       *float64
}

// SearchHit is a stored record matching a probe image.
type SearchHit struct {
	ID         uint      `json:"id"`
	Similarity float64   `json:"similarity"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Record is a stored embedding as returned to callers.
type Record struct {
	ID        uint           `json:"id"`
	Embedding face.Embedding `json:"embedding"`
	Subject   string         `json:"subject,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewFaceUseCase constructs a new use case instance. repo may be nil for
// callers that only compare against serialized embeddings.
func NewFaceUseCase(repo EmbeddingRepository, cache Cache, pipeline *Pipeline, opts Options, logger *zap.Logger) *FaceUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EmbeddingSize <= 0 {
		opts.EmbeddingSize = face.EmbeddingSize
	}
	return &FaceUseCase{
		repo:     repo,
		cache:    cache,
		pipeline: pipeline,
		opts:     opts,
		logger:   logger.Named("face_usecase"),
	}
}

// Ready reports whether the pipeline can serve encode and compare requests.
func (uc *FaceUseCase) Ready() bool {
	return uc.pipeline.Ready()
}

// Threshold returns the configured default threshold.
func (uc *FaceUseCase) Threshold() float64 {
	return uc.opts.Threshold
}

// Embed produces the embedding of an image without persisting it. Identical
// images are served from the cache.
func (uc *FaceUseCase) Embed(ctx context.Context, requestID string, image []byte) (face.Embedding, []face.Warning, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.embed", requestID)

	hash := imageHash(image)
	cacheKey := "embedding:" + hash
	if cached, ok := uc.cacheGet(ctx, opLogger, cacheKey); ok {
		var entry cachedEmbedding
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			if e, err := face.ParseEmbedding(string(entry.Embedding)); err == nil && len(e) == uc.opts.EmbeddingSize {
				opLogger.Debug("embedding served from cache", zap.String("sha1_hash", hash))
				return e, entry.Warnings, nil
			}
		}
		opLogger.Warn("discarding malformed cached embedding", zap.String("sha1_hash", hash))
	}

	start := time.Now()
	embedding, trace, err := uc.pipeline.Embed(ctx, image)
	fields := append(timingFields(trace), zap.Duration("total_duration", time.Since(start)))
	if err != nil {
		opLogger.Info("pipeline rejected image", append(fields, zap.Error(err), zap.Strings("codes", kindStrings(err)))...)
		return nil, nil, err
	}

	if len(embedding) != uc.opts.EmbeddingSize {
		err := face.Errorf(face.KindInferenceFailed, "%s: model returned %d values, want %d",
			face.ErrInferenceFailed.Message, len(embedding), uc.opts.EmbeddingSize)
		opLogger.Error("unexpected embedding size", zap.Error(err))
		return nil, nil, err
	}

	opLogger.Info("embedding extracted", append(fields,
		zap.Float64("brightness", trace.Quality.Brightness),
		zap.Stringer("box", trace.Box))...)

	if payload, err := json.Marshal(cachedEmbedding{
		Embedding: json.RawMessage(embedding.String()),
		Warnings:  trace.Warnings,
	}); err == nil {
		uc.cacheSet(ctx, opLogger, cacheKey, string(payload))
	}

	return embedding, trace.Warnings, nil
}

// Encode extracts an embedding and persists it for subject.
func (uc *FaceUseCase) Encode(ctx context.Context, subject string, image []byte) (*EncodeResult, error) {
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.encode", requestID)

	if uc.repo == nil {
		return nil, logging.NewOperationError("usecase.encode", requestID,
			face.Errorf(face.KindStorage, "%s: no repository configured", face.ErrStorage.Message))
	}

	embedding, warnings, err := uc.Embed(ctx, requestID, image)
	if err != nil {
		return nil, err
	}

	record := repository.NewEmbeddingRecord(embedding, subject, imageHash(image))
	if err := uc.repo.Create(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_embedding", requestID, storageError(err))
		logFailure(opLogger, "failed to persist embedding", wrapped)
		return nil, wrapped
	}

	uc.cacheRecord(ctx, opLogger, record)
	opLogger.Info("embedding stored", zap.Uint("id", record.ID))

	return &EncodeResult{
		ID:        record.ID,
		Embedding: embedding,
		CreatedAt: record.CreatedAt,
		Warnings:  warnings,
	}, nil
}

// Compare extracts an embedding from the image and compares it with the
// reference embedding of req.
func (uc *FaceUseCase) Compare(ctx context.Context, req CompareRequest) (face.ComparisonResult, error) {
	requestID := requestIDFrom(ctx)
	ctx = WithRequestID(ctx, requestID)
	opLogger := logging.WithOperation(uc.logger, "usecase.compare", requestID)

	threshold, err := uc.threshold(req.Threshold)
	if err != nil {
		return face.ComparisonResult{}, err
	}
	if req.StoredEmbedding == "" && req.StoredID == 0 {
		return face.ComparisonResult{}, face.ErrMissingStoredEmbedding
	}

	probe, _, err := uc.Embed(ctx, requestID, req.Image)
	if err != nil {
		return face.ComparisonResult{}, err
	}

	var reference face.Embedding
	if req.StoredEmbedding != "" {
		reference, err = face.ParseEmbedding(req.StoredEmbedding)
	} else {
		var record *Record
		record, err = uc.Get(ctx, req.StoredID)
		if record != nil {
			reference = record.Embedding
		}
	}
	if err != nil {
		return face.ComparisonResult{}, err
	}

	result, err := face.Compare(probe, reference, threshold)
	if err != nil {
		return face.ComparisonResult{}, err
	}

	opLogger.Info("comparison complete",
		zap.Bool("is_match", result.IsMatch),
		zap.Float64("similarity", result.Similarity),
		zap.Float64("threshold", threshold))

	return result, nil
}

// Search returns stored records whose similarity to the image reaches the
// threshold, most similar first.
func (uc *FaceUseCase) Search(ctx context.Context, image []byte, threshold *float64, limit int) ([]SearchHit, error) {
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.search", requestID)

	t, err := uc.threshold(threshold)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	if uc.repo == nil {
		return nil, face.Errorf(face.KindStorage, "%s: no repository configured", face.ErrStorage.Message)
	}

	probe, _, err := uc.Embed(ctx, requestID, image)
	if err != nil {
		return nil, err
	}

	records, err := uc.repo.FindNearest(ctx, probe, limit)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.find_nearest", requestID, storageError(err))
		logFailure(opLogger, "nearest neighbour query failed", wrapped)
		return nil, wrapped
	}

	hits := make([]SearchHit, 0, len(records))
	for _, record := range records {
		result, err := face.Compare(probe, record.Vector(), t)
		if err != nil {
			opLogger.Warn("skipping incomparable record", zap.Uint("id", record.ID), zap.Error(err))
			continue
		}
		if !result.IsMatch {
			continue
		}
		hits = append(hits, SearchHit{
			ID:         record.ID,
			Similarity: result.Similarity,
			Subject:    record.Subject,
			CreatedAt:  record.CreatedAt,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })

	opLogger.Info("search complete", zap.Int("candidates", len(records)), zap.Int("matches", len(hits)))

	return hits, nil
}

// Get returns a stored embedding, from the cache when possible.
func (uc *FaceUseCase) Get(ctx context.Context, id uint) (*Record, error) {
	requestID := requestIDFrom(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.get", requestID)

	key := recordKey(id)
	if cached, ok := uc.cacheGet(ctx, opLogger, key); ok {
		var record Record
		if err := json.Unmarshal([]byte(cached), &record); err == nil {
			return &record, nil
		}
		opLogger.Warn("failed to decode cached record", zap.Uint("id", id))
	}

	if uc.repo == nil {
		return nil, face.Errorf(face.KindStorage, "%s: no repository configured", face.ErrStorage.Message)
	}

	stored, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, face.ErrNotFound) {
			return nil, err
		}
		wrapped := logging.NewOperationError("usecase.find_embedding", requestID, storageError(err))
		logFailure(opLogger, "failed to load embedding", wrapped)
		return nil, wrapped
	}

	return uc.cacheRecord(ctx, opLogger, stored), nil
}

func (uc *FaceUseCase) threshold(override *float64) (float64, error) {
	if override == nil {
		return uc.opts.Threshold, nil
	}
	if !face.ValidThreshold(*override) {
		return 0, face.ErrInvalidThreshold
	}
	return *override, nil
}

func (uc *FaceUseCase) cacheRecord(ctx context.Context, logger *zap.Logger, stored *repository.EmbeddingRecord) *Record {
	record := &Record{
		ID:        stored.ID,
		Embedding: stored.Vector(),
		Subject:   stored.Subject,
		CreatedAt: stored.CreatedAt,
	}
	if payload, err := json.Marshal(record); err == nil {
		uc.cacheSet(ctx, logger, recordKey(record.ID), string(payload))
	}
	return record
}

// cachedEmbedding is the cache entry for an image hash. Warnings are kept so
// a cache hit reports the same advisories as the first run.
type cachedEmbedding struct {
	Embedding json.RawMessage `json:"embedding"`
	Warnings  []face.Warning  `json:"warnings,omitempty"`
}

// cacheGet and cacheSet treat the cache as best effort: failures are logged
// and the request continues without it.
func (uc *FaceUseCase) cacheGet(ctx context.Context, logger *zap.Logger, key string) (string, bool) {
	if uc.cache == nil {
		return "", false
	}
	value, err := uc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			logger.Warn("failed to read cache", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return value, true
}

func (uc *FaceUseCase) cacheSet(ctx context.Context, logger *zap.Logger, key, value string) {
	if uc.cache == nil {
		return
	}
	if err := uc.cache.Set(ctx, key, value, uc.opts.CacheTTL); err != nil {
		logger.Warn("failed to write cache", zap.String("key", key), zap.Error(err))
	}
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// logFailure logs err at error level unless the caller canceled the request.
func logFailure(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Info(msg+": request canceled")
		return
	}
	logger.Error(msg, logging.ErrorField(err))
}

func storageError(err error) error {
	var fe *face.Error
	if errors.As(err, &fe) || errors.Is(err, context.Canceled) {
		return err
	}
	return face.Errorf(face.KindStorage, "%s: %v", face.ErrStorage.Message, err)
}

func imageHash(image []byte) string {
	sum := sha1.Sum(image)
	return hex.EncodeToString(sum[:])
}

func recordKey(id uint) string {
	return fmt.Sprintf("record:%d", id)
}

func kindStrings(err error) []string {
	kinds := face.Kinds(err)
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
