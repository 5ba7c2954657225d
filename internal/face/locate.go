package face

import (
	"context"
	"math"

	"go.uber.org/zap"
)

// Completeness limits for a located face.
const (
	MinFaceRatio   = 0.10
	CloseFaceRatio = 0.95
	EdgeMargin     = 10
	MinAspectRatio = 0.5
	MaxAspectRatio = 2.0
)

// Detector finds candidate face boxes in a decoded image. Implementations may
// return several boxes; the first one is used.
type Detector interface {
	Detect(ctx context.Context, img *RawImage) ([]Box, error)
}

// InsetDetector is a placeholder detector that reports a single face covering
// the image minus a fixed fractional inset on every side. It does not look at
// the pixels and must be replaced by a trained detector for real use.
type InsetDetector struct {
	Inset float64
}

// NewInsetDetector returns the 10% inset heuristic.
func NewInsetDetector() InsetDetector {
	return InsetDetector{Inset: 0.1}
}

// Detect implements Detector.
func (d InsetDetector) Detect(ctx context.Context, img *RawImage) ([]Box, error) {
	w, h := img.Width(), img.Height()
	if w == 0 || h == 0 {
		return nil, nil
	}

	span := 1 - 2*d.Inset

	return []Box{{
		X:      floor(float64(w) * d.Inset),
		Y:      floor(float64(h) * d.Inset),
		Width:  floor(float64(w) * span),
		Height: floor(float64(h) * span),
	}}, nil
}

// floor truncates v, absorbing rounding error from fractional insets.
func floor(v float64) int {
	return int(math.Floor(v + 1e-9))
}

// Localizer locates a face with a Detector and checks that the box plausibly
// contains a full face.
type Localizer struct {
	detector Detector
	logger   *zap.Logger
}

// NewLocalizer returns a localizer backed by detector.
func NewLocalizer(detector Detector, logger *zap.Logger) *Localizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Localizer{detector: detector, logger: logger.Named("face_localizer")}
}

// Locate returns the face box of img. The image must decode.
func (l *Localizer) Locate(ctx context.Context, img *RawImage) (Box, []Warning, error) {
	if err := img.Decode(); err != nil {
		return Box{}, nil, err
	}

	boxes, err := l.detector.Detect(ctx, img)
	if err != nil {
		return Box{}, nil, err
	}
	if len(boxes) == 0 {
		return Box{}, nil, ErrNoFaceDetected
	}

	box := boxes[0]
	warnings, err := CheckCompleteness(box, img.Width(), img.Height())
	if err != nil {
		return Box{}, nil, err
	}

	l.logger.Debug("face located", zap.Stringer("box", box),
		zap.Float64("face_ratio", float64(box.Area())/float64(img.Width()*img.Height())))

	for _, w := range warnings {
		l.logger.Warn(string(w), zap.Stringer("box", box))
	}

	return box, warnings, nil
}

// CheckCompleteness validates a face box against a w x h image: minimum face
// area, edge margin and aspect ratio, in that order.
func CheckCompleteness(box Box, w, h int) ([]Warning, error) {
	if w <= 0 || h <= 0 || box.Width <= 0 || box.Height <= 0 {
		return nil, ErrInvalidBox
	}

	var warnings []Warning

	ratio := float64(box.Area()) / float64(w*h)
	if ratio < MinFaceRatio {
		return nil, Errorf(KindFaceTooSmall, "%s (face covers %.2f%% of image)", ErrFaceTooSmall.Message, ratio*100)
	}
	if ratio > CloseFaceRatio {
		warnings = append(warnings, WarnFaceTooClose)
	}

	if box.X < EdgeMargin || box.Y < EdgeMargin ||
		box.X+box.Width > w-EdgeMargin || box.Y+box.Height > h-EdgeMargin {
		return nil, ErrFaceCutOff
	}

	aspect := float64(box.Width) / float64(box.Height)
	if aspect < MinAspectRatio || aspect > MaxAspectRatio {
		return nil, Errorf(KindUnusualProportions, "%s (aspect ratio %.2f)", ErrUnusualProportions.Message, aspect)
	}

	return warnings, nil
}
