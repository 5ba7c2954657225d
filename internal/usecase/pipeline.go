package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceverify/internal/face"
	"github.com/example/faceverify/internal/worker"
)

// Extractor turns a normalized tensor into an embedding.
type Extractor interface {
	Extract(ctx context.Context, tensor face.Tensor) (face.Embedding, error)
	Loaded() bool
}

// Pipeline runs the four embedding stages on a bounded worker pool.
type Pipeline struct {
	gate         *face.QualityGate
	localizer    *face.Localizer
	preprocessor *face.Preprocessor
	extractor    Extractor
	pool         *worker.Pool
	logger       *zap.Logger
}

// NewPipeline wires the stages. The detector decides how faces are located.
func NewPipeline(detector face.Detector, extractor Extractor, pool *worker.Pool, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		gate:         face.NewQualityGate(logger),
		localizer:    face.NewLocalizer(detector, logger),
		preprocessor: face.NewPreprocessor(),
		extractor:    extractor,
		pool:         pool,
		logger:       logger.Named("pipeline"),
	}
}

// Ready reports whether the inference session is loaded.
func (p *Pipeline) Ready() bool {
	return p.extractor.Loaded()
}

// Trace records what the stages observed for one image.
type Trace struct {
	Quality  face.QualityReport
	Box      face.Box
	Warnings []face.Warning
	Timings  map[string]time.Duration
}

// Embed runs quality gate, localization, preprocessing and extraction on
// data. The first failing stage aborts the run and its error is returned
// unchanged, except that stage timeouts become face.ErrTimeout.
func (p *Pipeline) Embed(ctx context.Context, data []byte) (face.Embedding, *Trace, error) {
	img := face.NewRawImage(data)
	trace := &Trace{Timings: make(map[string]time.Duration, 4)}

	report, err := stage(ctx, p, trace, "quality", func(ctx context.Context) (face.QualityReport, error) {
		return p.gate.Validate(img)
	})
	if err != nil {
		return nil, trace, err
	}
	trace.Quality = report
	trace.Warnings = append(trace.Warnings, report.Warnings...)

	type located struct {
		box      face.Box
		warnings []face.Warning
	}
	loc, err := stage(ctx, p, trace, "locate", func(ctx context.Context) (located, error) {
		box, warnings, err := p.localizer.Locate(ctx, img)
		return located{box: box, warnings: warnings}, err
	})
	if err != nil {
		return nil, trace, err
	}
	trace.Box = loc.box
	trace.Warnings = append(trace.Warnings, loc.warnings...)

	tensor, err := stage(ctx, p, trace, "preprocess", func(ctx context.Context) (face.Tensor, error) {
		return p.preprocessor.Preprocess(img, loc.box)
	})
	if err != nil {
		return nil, trace, err
	}

	embedding, err := stage(ctx, p, trace, "inference", func(ctx context.Context) (face.Embedding, error) {
		return p.extractor.Extract(ctx, tensor)
	})
	if err != nil {
		return nil, trace, err
	}

	return embedding, trace, nil
}

func stage[T any](ctx context.Context, p *Pipeline, trace *Trace, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := worker.Run(ctx, p.pool, fn)
	trace.Timings[name] = time.Since(start)

	if err != nil && (errors.Is(err, worker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)) {
		err = face.Errorf(face.KindTimeout, "%s: %s stage exceeded its deadline", face.ErrTimeout.Message, name)
	}
	return v, err
}

func timingFields(trace *Trace) []zap.Field {
	if trace == nil {
		return nil
	}
	fields := make([]zap.Field, 0, len(trace.Timings))
	for _, name := range []string{"quality", "locate", "preprocess", "inference"} {
		if d, ok := trace.Timings[name]; ok {
			fields = append(fields, zap.Duration(name+"_duration", d))
		}
	}
	return fields
}
