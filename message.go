package main

const (
	PageTitle     = "Knowledge Distillation Demo"
	PageSubheader = "Compare Outputs of Teacher and Student Models on Your Uploaded Image"
	UploadLabel   = "Upload an image (JPG/PNG)"
	CaptionOrig   = "Original Image"
	CaptionTeach  = "Teacher Model Output"
	CaptionStud   = "Student Model Output"
	Footer        = "Made with Go, onnxruntime and imaging"

	MsgNoFile = "Please choose a JPG or PNG image to upload."

	MsgUnsupportedFormat = "Only JPG and PNG images are supported. Please upload a different file."

	MsgInvalidImage = "We couldn't read this image. The file may be damaged or not an image at all."

	MsgTooLarge = "This image is too large to process. Please upload a smaller file."

	MsgModelUnavailable = "The teacher and student models are not available right now. Please try again later."

	MsgIncompatibleModel = "The configured models do not accept 128x128 RGB images or do not return an image."

	MsgInferenceFailed = "Something went wrong while running the models on your image. Please try again."
)
