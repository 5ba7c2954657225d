package face

import (
	"image"

	"golang.org/x/image/draw"
)

// Tensor geometry expected by the embedding model.
const (
	CropSize  = 112
	Channels  = 3
	TensorLen = CropSize * CropSize * Channels
)

// Preprocessor crops, resizes and normalizes face regions.
type Preprocessor struct {
	kernel draw.Scaler
}

// NewPreprocessor returns a preprocessor using Catmull-Rom (bicubic) resampling.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{kernel: draw.CatmullRom}
}

// Preprocess crops img to box, resizes the crop to CropSize x CropSize and
// returns pixel-interleaved RGB values scaled to [0, 1].
func (p *Preprocessor) Preprocess(img *RawImage, box Box) (Tensor, error) {
	if img == nil {
		return Tensor{}, ErrInvalidBox
	}
	if err := img.Decode(); err != nil {
		return Tensor{}, err
	}
	if !box.Inside(img.Width(), img.Height()) {
		return Tensor{}, Errorf(KindInvalidBox, "%s (box %s, image %dx%d)", ErrInvalidBox.Message, box, img.Width(), img.Height())
	}

	src := img.Pixels()
	crop := image.Rect(box.X, box.Y, box.X+box.Width, box.Y+box.Height).Add(src.Bounds().Min)

	dst := image.NewNRGBA(image.Rect(0, 0, CropSize, CropSize))
	p.kernel.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

	return ToTensor(dst), nil
}

// ToTensor converts a CropSize x CropSize image into a normalized tensor.
func ToTensor(img *image.NRGBA) Tensor {
	data := make([]float32, 0, TensorLen)

	for y := 0; y < CropSize; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < CropSize; x++ {
			i := x * 4
			data = append(data,
				float32(row[i])/255.0,
				float32(row[i+1])/255.0,
				float32(row[i+2])/255.0,
			)
		}
	}

	return Tensor{Data: data}
}
