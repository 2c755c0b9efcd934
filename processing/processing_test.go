package processing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kd-demo/kd-compare/models"
)

func solidRaster(w, h int, r, g, b uint8) *models.Raster {
	raster := models.NewRaster(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			raster.Set(x, y, r, g, b)
		}
	}
	return raster
}

func encodeTestPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPreprocessShapeAndRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := [][2]int{{1, 1}, {1, 300}, {64, 64}, {127, 129}, {128, 128}, {640, 480}}

	for _, size := range sizes {
		raster := models.NewRaster(size[0], size[1])
		rng.Read(raster.Pix)

		tensor, err := Preprocess(raster)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 128, 128, 3}, tensor.Shape)
		require.Len(t, tensor.Data, 128*128*3)
		for _, v := range tensor.Data {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	}
}

func TestPreprocessAllRedUpload(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	raster, format, err := Decode(encodeTestPNG(t, img))
	require.NoError(t, err)
	require.Equal(t, "png", format)

	tensor, err := Preprocess(raster)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 128, 128, 3}, tensor.Shape)
	for i := 0; i < len(tensor.Data); i += 3 {
		require.InDelta(t, 1.0, tensor.Data[i], 1e-3)
		require.InDelta(t, 0.0, tensor.Data[i+1], 1e-3)
		require.InDelta(t, 0.0, tensor.Data[i+2], 1e-3)
	}
}

func TestPreprocessRejectsChannelMismatch(t *testing.T) {
	rgba := &models.Raster{Width: 2, Height: 2, Pix: make([]uint8, 2*2*4)}
	_, err := Preprocess(rgba)
	require.ErrorIs(t, err, ErrChannelMismatch)

	_, err = Preprocess(&models.Raster{})
	require.ErrorIs(t, err, ErrInvalidImage)

	_, err = Preprocess(nil)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestPostprocessSaturation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	tensor := models.NewTensor(1, 128, 128, 3)
	for i := range tensor.Data {
		tensor.Data[i] = rng.Float32()*20 - 10
	}

	raster, err := Postprocess(tensor)
	require.NoError(t, err)
	require.Equal(t, 128, raster.Width)
	require.Equal(t, 128, raster.Height)
	for i, v := range tensor.Data {
		switch {
		case v <= 0:
			require.Equal(t, uint8(0), raster.Pix[i])
		case v >= 1:
			require.Equal(t, uint8(255), raster.Pix[i])
		}
	}
	require.Positive(t, Saturation(tensor))
}

func TestPostprocessBlackAndWhite(t *testing.T) {
	zeros := models.NewTensor(1, 128, 128, 3)
	black, err := Postprocess(zeros)
	require.NoError(t, err)
	for _, v := range black.Pix {
		require.Equal(t, uint8(0), v)
	}
	require.Zero(t, Saturation(zeros))

	ones := models.NewTensor(1, 128, 128, 3)
	for i := range ones.Data {
		ones.Data[i] = 1
	}
	white, err := Postprocess(ones)
	require.NoError(t, err)
	for _, v := range white.Pix {
		require.Equal(t, uint8(255), v)
	}
	require.Zero(t, Saturation(ones))
}

func TestPostprocessTruncatesHalf(t *testing.T) {
	tensor := models.NewTensor(1, 1, 1, 3)
	tensor.Data = []float32{0.5, 0.5, 0.5}

	raster, err := Postprocess(tensor)
	require.NoError(t, err)
	require.Equal(t, []uint8{127, 127, 127}, raster.Pix)
}

func TestPostprocessSingleOutlier(t *testing.T) {
	tensor := models.NewTensor(1, 128, 128, 3)
	target := (5*128+9)*3 + 1
	tensor.Data[target] = 1.5

	raster, err := Postprocess(tensor)
	require.NoError(t, err)
	for i, v := range raster.Pix {
		if i == target {
			require.Equal(t, uint8(255), v)
			continue
		}
		require.Equal(t, uint8(0), v)
	}
	require.Equal(t, 1, Saturation(tensor))
}

func TestPostprocessShapes(t *testing.T) {
	unbatched := models.NewTensor(4, 6, 3)
	raster, err := Postprocess(unbatched)
	require.NoError(t, err)
	require.Equal(t, 6, raster.Width)
	require.Equal(t, 4, raster.Height)

	batched := models.NewTensor(2, 2, 2, 3)
	for i := range batched.Data {
		batched.Data[i] = float32(i / 12)
	}
	raster, err = Postprocess(batched)
	require.NoError(t, err)
	for _, v := range raster.Pix {
		require.Equal(t, uint8(0), v)
	}

	nan := models.NewTensor(1, 1, 1, 3)
	nan.Data[0] = float32(math.NaN())
	raster, err = Postprocess(nan)
	require.NoError(t, err)
	require.Equal(t, uint8(0), raster.Pix[0])
	require.Equal(t, 1, Saturation(nan))

	for _, bad := range []*models.Tensor{
		models.NewTensor(1, 3, 128, 128),
		models.NewTensor(128, 128),
		{Shape: []int64{1, 2, 2, 3}, Data: make([]float32, 5)},
		nil,
	} {
		_, err := Postprocess(bad)
		require.ErrorIs(t, err, ErrShapeMismatch)
	}
}

func TestDecodeInvalidImage(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrInvalidImage)

	_, _, err = Decode(nil)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestDecodeRejectsOversizedImage(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 8000, 6000))
	data := encodeTestPNG(t, blank)
	require.Less(t, len(data), 1<<20)

	raster, format, err := Decode(data)
	require.ErrorIs(t, err, ErrInvalidImage)
	require.ErrorContains(t, err, "8000x6000")
	require.Equal(t, "png", format)
	require.Nil(t, raster)

	wide := image.NewGray(image.Rect(0, 0, 4000, 1))
	_, _, err = Decode(encodeTestPNG(t, wide))
	require.NoError(t, err)
}

func TestDecodeDropsAlphaAndSpreadsGray(t *testing.T) {
	nrgba := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	nrgba.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	nrgba.SetNRGBA(1, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	raster, _, err := Decode(encodeTestPNG(t, nrgba))
	require.NoError(t, err)
	require.Equal(t, []uint8{10, 20, 30, 200, 100, 50}, raster.Pix)

	gray := image.NewGray(image.Rect(0, 0, 1, 1))
	gray.SetGray(0, 0, color.Gray{Y: 77})
	raster, _, err = Decode(encodeTestPNG(t, gray))
	require.NoError(t, err)
	require.Equal(t, []uint8{77, 77, 77}, raster.Pix)
}

func TestEncodePNGRoundTrip(t *testing.T) {
	raster := solidRaster(3, 2, 1, 2, 3)
	data, err := EncodePNG(raster)
	require.NoError(t, err)

	decoded, format, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, raster, decoded)

	_, err = EncodePNG(&models.Raster{Width: 1, Height: 1})
	require.Error(t, err)
}

func TestCheckExtension(t *testing.T) {
	for _, name := range []string{"a.jpg", "B.JPEG", "photo.png", ""} {
		require.NoError(t, CheckExtension(name), name)
	}
	for _, name := range []string{"a.gif", "archive.tar", "noext"} {
		require.ErrorIs(t, CheckExtension(name), ErrUnsupportedFormat, name)
	}
}

func TestThumbnail(t *testing.T) {
	small := solidRaster(10, 10, 0, 0, 0)
	require.Same(t, small, Thumbnail(small, 512))

	wide := solidRaster(1000, 250, 40, 50, 60)
	thumb := Thumbnail(wide, 100)
	require.LessOrEqual(t, thumb.Width, 100)
	require.LessOrEqual(t, thumb.Height, 100)
	require.InDelta(t, 4.0, float64(thumb.Width)/float64(thumb.Height), 0.2)
	require.NoError(t, thumb.Validate())
}
