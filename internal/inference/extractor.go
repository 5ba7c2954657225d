// Package inference runs the embedding model over preprocessed face tensors.
package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
)

// Session is a loaded model that maps one tensor to one embedding.
type Session interface {
	Run(ctx context.Context, input face.Tensor) (face.Embedding, error)
	Close() error
}

// Engine loads sessions from model files.
type Engine interface {
	Load(path string) (Session, error)
}

// Options configure an Extractor.
type Options struct {
	// ModelPath is resolved against the working directory.
	ModelPath string
	// Serialize forces one inference at a time for engines whose sessions are
	// not safe for concurrent Run.
	Serialize bool
}

// Extractor lazily loads the model on first use and runs inference.
// It is safe for concurrent use.
type Extractor struct {
	engine Engine
	opts   Options
	logger *zap.Logger

	session atomic.Pointer[sessionHolder]
	loadMu  sync.Mutex
	runMu   sync.Mutex
}

type sessionHolder struct {
	s Session
}

// NewExtractor returns an extractor that loads opts.ModelPath with engine.
func NewExtractor(engine Engine, opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{engine: engine, opts: opts, logger: logger.Named("embedding_extractor")}
}

// Loaded reports whether the session has been constructed.
func (e *Extractor) Loaded() bool {
	return e.session.Load() != nil
}

// Warmup loads the model without running inference.
func (e *Extractor) Warmup() error {
	_, err := e.load()
	return err
}

// Extract runs the model over tensor and returns its embedding.
func (e *Extractor) Extract(ctx context.Context, tensor face.Tensor) (face.Embedding, error) {
	if !tensor.Valid() {
		return nil, face.Errorf(face.KindInferenceFailed, "%s: tensor has %d values, want %d",
			face.ErrInferenceFailed.Message, len(tensor.Data), face.TensorLen)
	}

	s, err := e.load()
	if err != nil {
		return nil, err
	}

	if e.opts.Serialize {
		e.runMu.Lock()
		defer e.runMu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	embedding, err := s.Run(ctx, tensor)
	if err != nil {
		var fe *face.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, face.Errorf(face.KindInferenceFailed, "%s: %v", face.ErrInferenceFailed.Message, err)
	}
	if len(embedding) == 0 {
		return nil, face.Errorf(face.KindInferenceFailed, "%s: empty output", face.ErrInferenceFailed.Message)
	}

	e.logger.Debug("inference complete",
		zap.Int("embedding_size", len(embedding)),
		zap.Duration("duration", time.Since(start)))

	return embedding, nil
}

// Close releases the session if one was loaded.
func (e *Extractor) Close() error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	h := e.session.Swap(nil)
	if h == nil {
		return nil
	}
	return h.s.Close()
}

func (e *Extractor) load() (Session, error) {
	if h := e.session.Load(); h != nil {
		return h.s, nil
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if h := e.session.Load(); h != nil {
		return h.s, nil
	}

	path, err := filepath.Abs(e.opts.ModelPath)
	if err != nil {
		path = e.opts.ModelPath
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		e.logger.Error("model file missing", zap.String("path", path))
		return nil, face.Errorf(face.KindModelNotFound, "%s at %s", face.ErrModelNotFound.Message, path)
	}

	start := time.Now()
	s, err := e.engine.Load(path)
	if err != nil {
		e.logger.Error("model load failed", zap.String("path", path), zap.Error(err))
		return nil, face.Errorf(face.KindModelLoadFailed, "%s: %v", face.ErrModelLoadFailed.Message, err)
	}

	e.session.Store(&sessionHolder{s: s})
	e.logger.Info("model loaded",
		zap.String("path", path),
		zap.Duration("duration", time.Since(start)))

	return s, nil
}
