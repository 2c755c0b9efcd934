package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kd-demo/kd-compare/compare"
	"github.com/kd-demo/kd-compare/inference"
	"github.com/kd-demo/kd-compare/models"
	"github.com/kd-demo/kd-compare/processing"
)

type fakeModel struct {
	predict func(input *models.Tensor) (*models.Tensor, error)
}

func (m *fakeModel) Predict(_ context.Context, input *models.Tensor) (*models.Tensor, error) {
	return m.predict(input)
}

func (m *fakeModel) InputShape() []int64  { return []int64{1, 128, 128, 3} }
func (m *fakeModel) OutputShape() []int64 { return []int64{1, 128, 128, 3} }
func (m *fakeModel) Close() error         { return nil }

func identityModel() *fakeModel {
	return &fakeModel{predict: func(input *models.Tensor) (*models.Tensor, error) {
		return &models.Tensor{Shape: input.Shape, Data: append([]float32(nil), input.Data...)}, nil
	}}
}

func loaderFor(m inference.Model, err error) inference.Loader {
	return func(context.Context) (inference.Model, error) { return m, err }
}

func newTestServer(t *testing.T, teacher, student inference.Loader) (*httptest.Server, *inference.Pair) {
	t.Helper()
	pair := inference.NewPair(teacher, student)
	state, err := NewAppState(pair, compare.FromPair(pair), 1<<20)
	require.NoError(t, err)
	r, err := state.Router()
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, pair
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}

func TestIndexPage(t *testing.T) {
	srv, pair := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(identityModel(), nil))

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, PageTitle)
	require.Contains(t, body, PageSubheader)
	require.NotContains(t, body, "data:image/png")

	require.Equal(t, inference.StatePending, pair.Teacher.State())

	resp, err = http.Get(srv.URL + "/static/style.css")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), ".title")
}

func TestUploadRendersThreeImages(t *testing.T) {
	srv, _ := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(identityModel(), nil))

	body, contentType := multipartBody(t, "photo.png", testPNG(t, 200, 100))
	resp, err := http.Post(srv.URL+"/", contentType, body)
	require.NoError(t, err)
	page := readBody(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, strings.Count(page, `src="data:image/png;base64,`))
	require.Contains(t, page, CaptionTeach)
	require.Contains(t, page, CaptionStud)
}

func TestUploadErrorsStayOnPage(t *testing.T) {
	srv, _ := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(identityModel(), nil))

	body, contentType := multipartBody(t, "anim.gif", []byte("GIF89a"))
	resp, err := http.Post(srv.URL+"/", contentType, body)
	require.NoError(t, err)
	page := readBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, page, MsgUnsupportedFormat)
	require.Contains(t, page, PageTitle)

	resp, err = http.Post(srv.URL+"/", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompareAPI(t *testing.T) {
	srv, pair := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(identityModel(), nil))

	payload := fmt.Sprintf(`{"image":%q,"filename":"x.png"}`, base64.StdEncoding.EncodeToString(testPNG(t, 64, 64)))
	resp, err := http.Post(srv.URL+"/api/compare", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out CompareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "png", out.Format)
	require.Zero(t, out.TeacherSaturated)
	require.NotEmpty(t, out.Timings.RequestID)

	teacherPNG, err := base64.StdEncoding.DecodeString(out.Teacher)
	require.NoError(t, err)
	teacher, _, err := processing.Decode(teacherPNG)
	require.NoError(t, err)
	require.Equal(t, 128, teacher.Width)
	require.Equal(t, 128, teacher.Height)

	require.Equal(t, inference.StateReady, pair.Teacher.State())
	require.Equal(t, inference.StateReady, pair.Student.State())
}

func TestCompareAPIRawAndMultipart(t *testing.T) {
	srv, _ := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(identityModel(), nil))

	resp, err := http.Post(srv.URL+"/api/compare", "image/png", bytes.NewReader(testPNG(t, 10, 10)))
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, contentType := multipartBody(t, "photo.png", testPNG(t, 10, 10))
	resp, err = http.Post(srv.URL+"/api/compare", contentType, body)
	require.NoError(t, err)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompareAPIErrorStatus(t *testing.T) {
	wrongShape := &fakeModel{predict: func(*models.Tensor) (*models.Tensor, error) {
		return models.NewTensor(1, 3, 128, 128), nil
	}}
	failing := &fakeModel{predict: func(*models.Tensor) (*models.Tensor, error) {
		return nil, fmt.Errorf("%w: run", inference.ErrInferenceFailed)
	}}

	oversizedJSON := fmt.Sprintf(`{"image":%q}`, base64.StdEncoding.EncodeToString(make([]byte, 3<<18+384)))

	tests := []struct {
		name    string
		teacher inference.Loader
		body    []byte
		status  int
		code    string
	}{
		{"garbage", loaderFor(identityModel(), nil), []byte("hello"), http.StatusBadRequest, "invalid_image"},
		{"too large", loaderFor(identityModel(), nil), make([]byte, 1<<20+512), http.StatusRequestEntityTooLarge, "upload_too_large"},
		{"too large JSON", loaderFor(identityModel(), nil), nil, http.StatusRequestEntityTooLarge, "upload_too_large"},
		{"unavailable", loaderFor(nil, errors.New("404 from drive")), nil, http.StatusServiceUnavailable, "model_unavailable"},
		{"incompatible", loaderFor(wrongShape, nil), nil, http.StatusUnprocessableEntity, "incompatible_model"},
		{"failing", loaderFor(failing, nil), nil, http.StatusInternalServerError, "inference_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.teacher, loaderFor(identityModel(), nil))
			body, contentType := tt.body, "application/octet-stream"
			switch {
			case tt.name == "too large JSON":
				body, contentType = []byte(oversizedJSON), "application/json"
			case body == nil:
				body = testPNG(t, 16, 16)
			}

			resp, err := http.Post(srv.URL+"/api/compare", contentType, bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)

			var out ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.Equal(t, tt.code, out.Code)
			require.NotEmpty(t, out.Message)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, pair := newTestServer(t, loaderFor(identityModel(), nil), loaderFor(nil, errors.New("missing")))
	require.Error(t, pair.Warm(context.Background()))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, HealthResponse{Status: "degraded", Teacher: "ready", Student: "failed"}, health)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var metrics map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	require.Contains(t, metrics, "cpu_features")
	require.Contains(t, metrics, "teacher")
	require.Contains(t, metrics, "student")
}

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))

	upload, err := readInput(path, os.Stdin)
	require.NoError(t, err)
	require.Equal(t, path, upload.Filename)
	require.Equal(t, []byte("png-bytes"), upload.Data)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.Write([]byte("piped"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer r.Close()

	upload, err = readInput("", r)
	require.NoError(t, err)
	require.Empty(t, upload.Filename)
	require.Equal(t, []byte("piped"), upload.Data)

	_, err = readInput(filepath.Join(t.TempDir(), "missing.png"), os.Stdin)
	require.Error(t, err)
}
