package processing

import (
	"fmt"
	"math"

	"github.com/kd-demo/kd-compare/models"
)

// Postprocess turns a model output of shape (N,H,W,3) or (H,W,3) into a raster.
// Only the first batch entry is used. Values are clipped to [0,1], scaled by
// 255 and truncated, so 0.5 maps to 127.
func Postprocess(t *models.Tensor) (*models.Raster, error) {
	height, width, err := displayGeometry(t)
	if err != nil {
		return nil, err
	}

	raster := models.NewRaster(width, height)
	for i := range raster.Pix {
		raster.Pix[i] = toIntensity(t.Data[i])
	}
	return raster, nil
}

// Saturation counts the values of the first batch entry that Postprocess has
// to clip (outside [0,1] or NaN).
func Saturation(t *models.Tensor) int {
	height, width, err := displayGeometry(t)
	if err != nil {
		return 0
	}
	clipped := 0
	for _, v := range t.Data[:height*width*InputChannels] {
		if math.IsNaN(float64(v)) || v < 0 || v > 1 {
			clipped++
		}
	}
	return clipped
}

func displayGeometry(t *models.Tensor) (int, int, error) {
	if t == nil {
		return 0, 0, &ProcessingError{Message: "postprocess", Cause: fmt.Errorf("%w: no tensor", ErrShapeMismatch)}
	}
	if err := t.Validate(); err != nil {
		return 0, 0, &ProcessingError{Message: "postprocess", Cause: fmt.Errorf("%w: %v", ErrShapeMismatch, err)}
	}

	var height, width, channels int64
	switch len(t.Shape) {
	case 4:
		height, width, channels = t.Shape[1], t.Shape[2], t.Shape[3]
	case 3:
		height, width, channels = t.Shape[0], t.Shape[1], t.Shape[2]
	default:
		return 0, 0, &ProcessingError{
			Message: "postprocess",
			Cause:   fmt.Errorf("%w: rank %d, want (1,H,W,3) or (H,W,3)", ErrShapeMismatch, len(t.Shape)),
		}
	}
	if channels != InputChannels {
		return 0, 0, &ProcessingError{
			Message: "postprocess",
			Cause:   fmt.Errorf("%w: %d channels in shape %v", ErrShapeMismatch, channels, t.Shape),
		}
	}
	return int(height), int(width), nil
}

func toIntensity(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v * 255)
}
