package processing

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kd-demo/kd-compare/models"
	"github.com/nfnt/resize"
)

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// CheckExtension applies the upload restriction on file names. Uploads without a
// name (raw or JSON bodies) are left to the decoder.
func CheckExtension(filename string) error {
	if filename == "" {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return fmt.Errorf("%w: %q, expected JPG or PNG", ErrUnsupportedFormat, filepath.Base(filename))
	}
	return nil
}

// Decode turns uploaded bytes into an RGB raster. Alpha is dropped and gray
// images are spread over the three channels.
func Decode(data []byte) (*models.Raster, string, error) {
	if len(data) == 0 {
		return nil, "", &ProcessingError{Message: "decode image", Cause: fmt.Errorf("%w: empty upload", ErrInvalidImage)}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", &ProcessingError{Message: "decode image", Cause: fmt.Errorf("%w: %v", ErrInvalidImage, err)}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxInputPixels {
		return nil, format, &ProcessingError{
			Message: "decode image",
			Cause:   fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxInputPixels),
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, format, &ProcessingError{Message: "decode image", Cause: fmt.Errorf("%w: %v", ErrInvalidImage, err)}
	}

	raster := FromImage(img)
	if err := raster.Validate(); err != nil {
		return nil, format, &ProcessingError{Message: "decode image", Cause: fmt.Errorf("%w: %v", ErrInvalidImage, err)}
	}
	return raster, format, nil
}

// FromImage copies the RGB channels of img into a raster.
func FromImage(img image.Image) *models.Raster {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	raster := models.NewRaster(w, h)

	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := raster.Pix[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return raster
}

func EncodePNG(r *models.Raster) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, r.ToImage(), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail returns a copy of r that fits in maxSide x maxSide, keeping the
// aspect ratio. Rasters that already fit are returned as is.
func Thumbnail(r *models.Raster, maxSide int) *models.Raster {
	if maxSide <= 0 || (r.Width <= maxSide && r.Height <= maxSide) {
		return r
	}
	small := resize.Thumbnail(uint(maxSide), uint(maxSide), r.ToImage(), resize.Lanczos3)
	return FromImage(small)
}
