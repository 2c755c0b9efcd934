package processing

import (
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/kd-demo/kd-compare/models"
)

// ResizeFilter is the fixed interpolation used to bring every upload to the
// model geometry (bicubic).
var ResizeFilter = imaging.CatmullRom

// InputShape is the NHWC shape fed to both models.
func InputShape() []int64 {
	return []int64{1, InputHeight, InputWidth, InputChannels}
}

// Preprocess resizes r to 128x128, scales intensities into [0,1] and adds the
// batch dimension.
func Preprocess(r *models.Raster) (*models.Tensor, error) {
	if r == nil {
		return nil, &ProcessingError{Message: "preprocess", Cause: fmt.Errorf("%w: no raster", ErrInvalidImage)}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return nil, &ProcessingError{Message: "preprocess", Cause: fmt.Errorf("%w: size %dx%d", ErrInvalidImage, r.Width, r.Height)}
	}
	if len(r.Pix) != r.Width*r.Height*InputChannels {
		return nil, &ProcessingError{
			Message: "preprocess",
			Cause:   fmt.Errorf("%w: %d bytes for %dx%d", ErrChannelMismatch, len(r.Pix), r.Width, r.Height),
		}
	}

	resized := imaging.Resize(r.ToImage(), InputWidth, InputHeight, ResizeFilter)

	tensor := models.NewTensor(InputShape()...)
	newChannelProcessor(InputWidth, InputHeight).processRows(resized, tensor.Data)
	return tensor, nil
}
