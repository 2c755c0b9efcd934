package processing

import (
	"image"
	"runtime"
	"sync"
)

// channelProcessor fills an NHWC float buffer from an NRGBA image, splitting
// the rows over a few goroutines.
type channelProcessor struct {
	width, height int
	numWorkers    int
}

func newChannelProcessor(width, height int) *channelProcessor {
	workers := runtime.GOMAXPROCS(0)
	if workers > height {
		workers = height
	}
	if workers < 1 {
		workers = 1
	}
	return &channelProcessor{
		width:      width,
		height:     height,
		numWorkers: workers,
	}
}

func (cp *channelProcessor) processRows(img *image.NRGBA, buffer []float32) {
	rowsPerWorker := cp.height / cp.numWorkers

	var wg sync.WaitGroup
	wg.Add(cp.numWorkers)

	for w := 0; w < cp.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if w == cp.numWorkers-1 {
			endRow = cp.height
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * cp.width * InputChannels
				for x := 0; x < cp.width; x++ {
					i := offset + x*InputChannels
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[i+1] = float32(src[x*4+1]) / 255.0
					buffer[i+2] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
