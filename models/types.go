package models

import (
	"fmt"
	"image"
	"time"
)

// Raster is a decoded RGB image, 3 bytes per pixel, row-major.
type Raster struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewRaster(width, height int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*3),
	}
}

func (r *Raster) Validate() error {
	if r == nil {
		return fmt.Errorf("raster is nil")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster has invalid size %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*3 {
		return fmt.Errorf("raster buffer holds %d bytes, want %d for %dx%d RGB", len(r.Pix), r.Width*r.Height*3, r.Width, r.Height)
	}
	return nil
}

func (r *Raster) At(x, y int) (uint8, uint8, uint8) {
	i := (y*r.Width + x) * 3
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

func (r *Raster) Set(x, y int, red, green, blue uint8) {
	i := (y*r.Width + x) * 3
	r.Pix[i] = red
	r.Pix[i+1] = green
	r.Pix[i+2] = blue
}

// ToImage returns an opaque NRGBA copy of the raster.
func (r *Raster) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, j := 0, 0; i < len(r.Pix); i, j = i+3, j+4 {
		img.Pix[j] = r.Pix[i]
		img.Pix[j+1] = r.Pix[i+1]
		img.Pix[j+2] = r.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape ...int64) *Tensor {
	t := &Tensor{Shape: append([]int64(nil), shape...)}
	t.Data = make([]float32, t.Len())
	return t
}

// Len is the number of elements the shape describes.
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

func (t *Tensor) Validate() error {
	if t == nil {
		return fmt.Errorf("tensor is nil")
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor shape %v has a non-positive dimension", t.Shape)
		}
	}
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor holds %d values, shape %v needs %d", len(t.Data), t.Shape, t.Len())
	}
	return nil
}

type ProcessingTimings struct {
	RequestID        string
	ImageDecode      time.Duration
	Preprocess       time.Duration
	TeacherInference time.Duration
	StudentInference time.Duration
	Postprocess      time.Duration
	Encode           time.Duration
	Total            time.Duration
}
