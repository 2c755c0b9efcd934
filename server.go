package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"mime"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sys/cpu"

	"github.com/kd-demo/kd-compare/compare"
	"github.com/kd-demo/kd-compare/inference"
	"github.com/kd-demo/kd-compare/models"
	"github.com/kd-demo/kd-compare/processing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type AppState struct {
	Pair           *inference.Pair
	Service        *compare.Service
	MaxUploadBytes int64
	page           *template.Template
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type CompareResponse struct {
	Format           string          `json:"format"`
	Original         string          `json:"original"`
	Teacher          string          `json:"teacher"`
	Student          string          `json:"student"`
	TeacherSaturated int             `json:"teacher_saturated"`
	StudentSaturated int             `json:"student_saturated"`
	Timings          TimingsResponse `json:"timings_ms"`
}

type TimingsResponse struct {
	RequestID        string  `json:"request_id"`
	ImageDecode      float64 `json:"image_decode"`
	Preprocess       float64 `json:"preprocess"`
	TeacherInference float64 `json:"teacher_inference"`
	StudentInference float64 `json:"student_inference"`
	Postprocess      float64 `json:"postprocess"`
	Encode           float64 `json:"encode"`
	Total            float64 `json:"total"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Teacher string `json:"teacher"`
	Student string `json:"student"`
}

// pageData feeds templates/index.html. Result is nil in the idle state.
type pageData struct {
	Title           string
	Subheader       string
	UploadLabel     string
	CaptionOriginal string
	CaptionTeacher  string
	CaptionStudent  string
	Footer          string
	Error           string
	Result          *pageImages
}

type pageImages struct {
	Original template.URL
	Teacher  template.URL
	Student  template.URL
}

func newPageData() pageData {
	return pageData{
		Title:           PageTitle,
		Subheader:       PageSubheader,
		UploadLabel:     UploadLabel,
		CaptionOriginal: CaptionOrig,
		CaptionTeacher:  CaptionTeach,
		CaptionStudent:  CaptionStud,
		Footer:          Footer,
	}
}

func NewAppState(pair *inference.Pair, service *compare.Service, maxUploadBytes int64) (*AppState, error) {
	page, err := parsePage()
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}
	return &AppState{
		Pair:           pair,
		Service:        service,
		MaxUploadBytes: maxUploadBytes,
		page:           page,
	}, nil
}

func (s *AppState) Router() (*mux.Router, error) {
	static, err := staticHandler()
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/", s.handleUpload).Methods("POST")
	r.HandleFunc("/api/compare", s.handleCompare).Methods("POST")
	r.PathPrefix("/static/").Handler(static).Methods("GET")
	s.addMonitoringRoutes(r)
	return r, nil
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, http.StatusOK, newPageData())
}

func (s *AppState) handleUpload(w http.ResponseWriter, r *http.Request) {
	data := newPageData()

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	upload, err := handleMultipartRequest(r)
	if err != nil {
		code, status, message := classifyError(err)
		if code == "invalid_request" {
			message = MsgNoFile
		}
		debugf("Upload rejected: %v", err)
		data.Error = message
		s.renderPage(w, status, data)
		return
	}

	result, err := s.Service.Compare(r.Context(), upload)
	if err != nil {
		_, status, message := classifyError(err)
		log.Printf("Compare failed: %v", err)
		data.Error = message
		s.renderPage(w, status, data)
		return
	}

	images, err := encodeResult(result)
	if err != nil {
		log.Printf("Encode failed: %v", err)
		data.Error = MsgInferenceFailed
		s.renderPage(w, http.StatusInternalServerError, data)
		return
	}

	data.Result = &pageImages{
		Original: template.URL(dataURI(images.Original)),
		Teacher:  template.URL(dataURI(images.Teacher)),
		Student:  template.URL(dataURI(images.Student)),
	}
	s.renderPage(w, http.StatusOK, data)
}

func (s *AppState) handleCompare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var upload compare.Upload
	var err error
	switch mediaType {
	case "application/json":
		upload, err = handleJSONRequest(r)
	case "multipart/form-data":
		upload, err = handleMultipartRequest(r)
	default:
		upload, err = handleRawRequest(r)
	}
	if err != nil {
		code, status, _ := classifyError(err)
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	result, err := s.Service.Compare(r.Context(), upload)
	if err != nil {
		code, status, message := classifyError(err)
		log.Printf("Compare failed: %v", err)
		sendErrorResponse(w, code, message, status, err.Error())
		return
	}

	response, err := encodeResult(result)
	if err != nil {
		sendErrorResponse(w, "encode_error", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Teacher: s.Pair.Teacher.State().String(),
		Student: s.Pair.Student.State().String(),
	}
	if s.Pair.Teacher.State() == inference.StateFailed || s.Pair.Student.State() == inference.StateFailed {
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"goroutines":   runtime.NumGoroutine(),
		"cpu_features": cpuFeatures(),
	}
	for _, h := range []*inference.Handle{s.Pair.Teacher, s.Pair.Student} {
		if reporter, ok := h.Model().(inference.PoolReporter); ok {
			response[h.Name] = reporter.Stats()
		} else {
			response[h.Name] = map[string]string{"state": h.State().String()}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *AppState) renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, data); err != nil {
		log.Printf("Render page failed: %v", err)
	}
}

func handleJSONRequest(r *http.Request) (compare.Upload, error) {
	var req struct {
		Image    string `json:"image"`
		Filename string `json:"filename"`
	}
	// Read first so a body over the limit keeps its *http.MaxBytesError.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return compare.Upload{}, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return compare.Upload{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return compare.Upload{}, fmt.Errorf("image is not valid base64: %w", err)
	}
	return compare.Upload{Filename: req.Filename, Data: data}, nil
}

func handleMultipartRequest(r *http.Request) (compare.Upload, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return compare.Upload{}, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return compare.Upload{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return compare.Upload{}, err
	}
	return compare.Upload{Filename: header.Filename, Data: data}, nil
}

func handleRawRequest(r *http.Request) (compare.Upload, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return compare.Upload{}, err
	}
	return compare.Upload{Data: data}, nil
}

// classifyError maps a failure to an error code, HTTP status and user message.
func classifyError(err error) (string, int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return "upload_too_large", http.StatusRequestEntityTooLarge, MsgTooLarge
	case errors.Is(err, processing.ErrUnsupportedFormat):
		return "unsupported_format", http.StatusBadRequest, MsgUnsupportedFormat
	case errors.Is(err, processing.ErrInvalidImage), errors.Is(err, processing.ErrChannelMismatch):
		return "invalid_image", http.StatusBadRequest, MsgInvalidImage
	case errors.Is(err, inference.ErrModelUnavailable):
		return "model_unavailable", http.StatusServiceUnavailable, MsgModelUnavailable
	case errors.Is(err, inference.ErrIncompatibleModel), errors.Is(err, processing.ErrShapeMismatch):
		return "incompatible_model", http.StatusUnprocessableEntity, MsgIncompatibleModel
	case errors.Is(err, inference.ErrInferenceFailed):
		return "inference_failed", http.StatusInternalServerError, MsgInferenceFailed
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		return "invalid_request", http.StatusBadRequest, MsgNoFile
	default:
		return "invalid_request", http.StatusBadRequest, err.Error()
	}
}

// encodeResult turns the three rasters into base64 PNGs.
func encodeResult(result *compare.Result) (*CompareResponse, error) {
	start := time.Now()
	response := &CompareResponse{
		Format:           result.Format,
		TeacherSaturated: result.TeacherSaturated,
		StudentSaturated: result.StudentSaturated,
	}
	for _, item := range []struct {
		dst *string
		src *models.Raster
	}{
		{&response.Original, result.Original},
		{&response.Teacher, result.Teacher},
		{&response.Student, result.Student},
	} {
		png, err := processing.EncodePNG(item.src)
		if err != nil {
			return nil, err
		}
		*item.dst = base64.StdEncoding.EncodeToString(png)
	}
	result.Timings.Encode = time.Since(start)
	result.Timings.Total += result.Timings.Encode
	logTimings(&result.Timings)

	response.Timings = newTimingsResponse(&result.Timings)
	return response, nil
}

func newTimingsResponse(t *models.ProcessingTimings) TimingsResponse {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return TimingsResponse{
		RequestID:        t.RequestID,
		ImageDecode:      ms(t.ImageDecode),
		Preprocess:       ms(t.Preprocess),
		TeacherInference: ms(t.TeacherInference),
		StudentInference: ms(t.StudentInference),
		Postprocess:      ms(t.Postprocess),
		Encode:           ms(t.Encode),
		Total:            ms(t.Total),
	}
}

func dataURI(b64 string) string {
	return "data:image/png;base64," + b64
}

func cpuFeatures() map[string]bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return map[string]bool{
			"sse41":   cpu.X86.HasSSE41,
			"avx":     cpu.X86.HasAVX,
			"avx2":    cpu.X86.HasAVX2,
			"fma":     cpu.X86.HasFMA,
			"avx512f": cpu.X86.HasAVX512F,
		}
	case "arm64":
		return map[string]bool{
			"asimd": cpu.ARM64.HasASIMD,
			"fp":    cpu.ARM64.HasFP,
		}
	default:
		return map[string]bool{}
	}
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := ErrorResponse{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		response.Details = details[0]
	}
	json.NewEncoder(w).Encode(response)
}
