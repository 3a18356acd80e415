package capture

import (
	"context"
	"errors"
)

// ErrSourceRunning is returned when Start is called on a running source.
var ErrSourceRunning = errors.New("source already running")

// SourceConfig describes the frames a source produces.
type SourceConfig struct {
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	FPS    int         // Frames per second
	Format PixelFormat // Pixel format
}

// Geometry returns the geometry of the source's frames.
func (c SourceConfig) Geometry() Geometry {
	return Geometry{Width: c.Width, Height: c.Height, Format: c.Format}
}

// FrameCallback receives frames in push mode. The frame is only valid
// for the duration of the call.
type FrameCallback func(frame *RawFrame)

// FrameSource produces raw video frames from a capture device or a
// synthetic generator.
type FrameSource interface {
	// Start begins capture. Frames are delivered to the callback on a
	// source-owned goroutine until Stop or ctx is done.
	Start(ctx context.Context) error

	// Stop halts capture and waits for the delivery goroutine to exit.
	// No callback runs after Stop returns.
	Stop() error

	// SetCallback sets the push-mode frame callback.
	SetCallback(cb FrameCallback)

	// Config returns the source configuration.
	Config() SourceConfig
}
