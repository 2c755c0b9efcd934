package compare

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kd-demo/kd-compare/inference"
	"github.com/kd-demo/kd-compare/models"
	"github.com/kd-demo/kd-compare/processing"
)

// Predictor is the part of an inference handle the pipeline needs.
type Predictor interface {
	Predict(ctx context.Context, input *models.Tensor) (*models.Tensor, error)
}

// Upload is one user submission. Filename may be empty for raw bodies.
type Upload struct {
	Filename string
	Data     []byte
}

type Result struct {
	Format   string
	Original *models.Raster
	Teacher  *models.Raster
	Student  *models.Raster
	// Values of each raw output that fell outside [0,1] before clipping.
	TeacherSaturated int
	StudentSaturated int
	Timings          models.ProcessingTimings
}

type Service struct {
	teacher Predictor
	student Predictor
	// DisplayMaxSide bounds the original image shown next to the outputs.
	DisplayMaxSide int
}

func NewService(teacher, student Predictor) *Service {
	return &Service{
		teacher:        teacher,
		student:        student,
		DisplayMaxSide: processing.DisplayMaxSide,
	}
}

// FromPair builds a service over the two model handles.
func FromPair(pair *inference.Pair) *Service {
	return NewService(pair.Teacher, pair.Student)
}

// Compare runs the upload through both models. The teacher and student see the
// same input tensor and their outputs are never combined.
func (s *Service) Compare(ctx context.Context, upload Upload) (*Result, error) {
	startTotal := time.Now()
	result := &Result{}
	timings := &result.Timings
	timings.RequestID = fmt.Sprintf("%d", startTotal.UnixNano())

	if err := processing.CheckExtension(upload.Filename); err != nil {
		return nil, err
	}

	decodeStart := time.Now()
	raster, format, err := processing.Decode(upload.Data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}
	result.Format = format

	preprocessStart := time.Now()
	input, err := processing.Preprocess(raster)
	timings.Preprocess = time.Since(preprocessStart)
	if err != nil {
		return nil, err
	}

	teacherStart := time.Now()
	teacherOut, err := s.teacher.Predict(ctx, input)
	timings.TeacherInference = time.Since(teacherStart)
	if err != nil {
		return nil, err
	}

	studentStart := time.Now()
	studentOut, err := s.student.Predict(ctx, input)
	timings.StudentInference = time.Since(studentStart)
	if err != nil {
		return nil, err
	}

	postprocessStart := time.Now()
	if result.Teacher, err = processing.Postprocess(teacherOut); err != nil {
		return nil, fmt.Errorf("teacher output: %w", err)
	}
	if result.Student, err = processing.Postprocess(studentOut); err != nil {
		return nil, fmt.Errorf("student output: %w", err)
	}
	result.TeacherSaturated = processing.Saturation(teacherOut)
	result.StudentSaturated = processing.Saturation(studentOut)
	result.Original = processing.Thumbnail(raster, s.DisplayMaxSide)
	timings.Postprocess = time.Since(postprocessStart)

	if result.TeacherSaturated > 0 || result.StudentSaturated > 0 {
		log.Printf("Warning: RequestID: %s - outputs clipped to [0,1]: teacher %d values, student %d values",
			timings.RequestID, result.TeacherSaturated, result.StudentSaturated)
	}

	timings.Total = time.Since(startTotal)
	return result, nil
}

func LogTimings(t *models.ProcessingTimings) {
	log.Printf("[DEBUG] RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tPreprocess:  %v\n"+
		"\tTeacher:     %v\n"+
		"\tStudent:     %v\n"+
		"\tPostprocess: %v\n"+
		"\tEncode:      %v\n"+
		"\tTotal:       %v",
		t.RequestID,
		t.ImageDecode,
		t.Preprocess,
		t.TeacherInference,
		t.StudentInference,
		t.Postprocess,
		t.Encode,
		t.Total)
}
