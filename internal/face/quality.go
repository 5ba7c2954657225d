package face

import (
	"errors"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Quality gate limits.
const (
	MaxImageBytes = 10 * 1024 * 1024
	MinImageBytes = 1024
	// MaxImagePixels bounds the decoded pixel count independently of the
	// compressed size.
	MaxImagePixels = 50_000_000

	MinBrightness    = 40.0
	MaxBrightness    = 220.0
	DimBrightness    = 60.0
	BrightBrightness = 200.0
)

// QualityGate rejects unusable images before any expensive work.
type QualityGate struct {
	logger *zap.Logger
}

// NewQualityGate returns a quality gate that logs advisory warnings to logger.
func NewQualityGate(logger *zap.Logger) *QualityGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityGate{logger: logger.Named("quality_gate")}
}

// Validate checks size, decodability and lighting of img. All fatal
// conditions are joined into the returned error.
func (g *QualityGate) Validate(img *RawImage) (QualityReport, error) {
	var errs []error

	if img.Data != nil {
		size := len(img.Data)
		if size > MaxImageBytes {
			errs = append(errs, Errorf(KindImageTooLarge, "image file too large (%s, maximum %s allowed)",
				humanize.IBytes(uint64(size)), humanize.IBytes(MaxImageBytes)))
		}
		if size < MinImageBytes {
			errs = append(errs, Errorf(KindImageTooSmall, "image file too small or empty (%s, minimum %s)",
				humanize.IBytes(uint64(size)), humanize.IBytes(MinImageBytes)))
		}
	}

	if err := img.Decode(); err != nil {
		errs = append(errs, err)
		return QualityReport{}, errors.Join(errs...)
	}

	brightness := Brightness(img)
	report := QualityReport{
		Brightness: brightness,
		Width:      img.Width(),
		Height:     img.Height(),
	}

	g.logger.Debug("image brightness", zap.Float64("brightness", brightness),
		zap.Int("width", report.Width), zap.Int("height", report.Height))

	switch {
	case brightness < MinBrightness:
		errs = append(errs, Errorf(KindTooDark, "%s (brightness %.2f)", ErrTooDark.Message, brightness))
	case brightness > MaxBrightness:
		errs = append(errs, Errorf(KindOverexposed, "%s (brightness %.2f)", ErrOverexposed.Message, brightness))
	case brightness < DimBrightness:
		report.Warnings = append(report.Warnings, WarnDarkLighting)
	case brightness > BrightBrightness:
		report.Warnings = append(report.Warnings, WarnBrightLighting)
	}

	for _, w := range report.Warnings {
		g.logger.Warn(string(w), zap.Float64("brightness", brightness))
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}

	report.Valid = true

	return report, nil
}

// Brightness returns the mean perceived brightness of a decoded image
// using 0.299R + 0.587G + 0.114B, in the range 0 to 255.
func Brightness(img *RawImage) float64 {
	px := img.Pixels()
	if px == nil {
		return 0
	}

	b := px.Bounds()
	count := b.Dx() * b.Dy()
	if count == 0 {
		return 0
	}

	var total float64
	for y := 0; y < b.Dy(); y++ {
		row := px.Pix[y*px.Stride : y*px.Stride+b.Dx()*4]
		for i := 0; i < len(row); i += 4 {
			total += 0.299*float64(row[i]) + 0.587*float64(row[i+1]) + 0.114*float64(row[i+2])
		}
	}

	return total / float64(count)
}
