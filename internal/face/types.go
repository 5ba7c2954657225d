package face

import "fmt"

// Warning is an advisory condition. It never changes the outcome of a stage.
type Warning string

const (
	WarnDarkLighting   Warning = "image lighting is on the darker side, may affect accuracy"
	WarnBrightLighting Warning = "image lighting is on the brighter side, may affect accuracy"
	WarnFaceTooClose   Warning = "face is very close to camera, ensure entire face is visible"
)

// QualityReport is the result of a passed quality gate.
type QualityReport struct {
	Valid      bool      `json:"valid"`
	Brightness float64   `json:"brightness"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Box is a face bounding box in pixel coordinates.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String returns the box as x,y,w,h.
func (b Box) String() string {
	return fmt.Sprintf("%d,%d,%dx%d", b.X, b.Y, b.Width, b.Height)
}

// Area returns the box area in pixels.
func (b Box) Area() int {
	return b.Width * b.Height
}

// Inside reports whether the box is non-empty and lies within a w x h image.
func (b Box) Inside(w, h int) bool {
	return b.X >= 0 && b.Y >= 0 && b.Width > 0 && b.Height > 0 &&
		b.X+b.Width <= w && b.Y+b.Height <= h
}

// Tensor is a normalized face crop in NHWC layout with a batch size of one.
type Tensor struct {
	Data []float32
}

// Shape returns the logical tensor shape.
func (t Tensor) Shape() []int64 {
	return []int64{1, CropSize, CropSize, Channels}
}

// Valid reports whether the tensor has exactly CropSize*CropSize*Channels elements.
func (t Tensor) Valid() bool {
	return len(t.Data) == TensorLen
}

// ComparisonResult is the outcome of comparing two embeddings.
type ComparisonResult struct {
	IsMatch    bool    `json:"isMatch"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}
