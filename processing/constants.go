package processing

const (
	InputWidth    = 128
	InputHeight   = 128
	InputChannels = 3

	// DisplayMaxSide bounds the original upload when it is echoed back to the page.
	DisplayMaxSide = 512

	// MaxInputPixels caps the decoded size of an upload. The header is checked
	// before any pixel is decoded.
	MaxInputPixels = 40_000_000
)
