package capture

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatNV12   PixelFormat = iota // YUV 4:2:0 8-bit semi-planar (Y + interleaved UV)
	PixelFormatP010                      // YUV 4:2:0 10-bit semi-planar, 16-bit little-endian samples
	PixelFormatI420                      // YUV 4:2:0 planar (Y + U + V)
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatP010:
		return "P010"
	case PixelFormatI420:
		return "I420"
	case PixelFormatBGRA32:
		return "BGRA32"
	default:
		return "Unknown"
	}
}

// ParsePixelFormat maps a format name (case-insensitive) to a PixelFormat.
func ParsePixelFormat(name string) (PixelFormat, error) {
	for _, p := range []PixelFormat{PixelFormatNV12, PixelFormatP010, PixelFormatI420, PixelFormatBGRA32} {
		if strings.EqualFold(p.String(), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: pixel format %q", ErrInvalidConfig, name)
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12, PixelFormatP010:
		return 2 // Y, UV
	case PixelFormatBGRA32:
		return 1 // Packed
	default:
		return 0
	}
}

// BitDepth returns the bits per component.
func (p PixelFormat) BitDepth() int {
	if p == PixelFormatP010 {
		return 10
	}
	return 8
}

// planeSize returns the byte size and minimum stride of plane i for a frame
// of the given dimensions.
func (p PixelFormat) planeSize(i, width, height int) (size, stride int) {
	switch p {
	case PixelFormatNV12:
		if i == 0 {
			return width * height, width
		}
		return width * ((height + 1) / 2), width
	case PixelFormatP010:
		if i == 0 {
			return width * height * 2, width * 2
		}
		return width * ((height + 1) / 2) * 2, width * 2
	case PixelFormatI420:
		if i == 0 {
			return width * height, width
		}
		cw := (width + 1) / 2
		return cw * ((height + 1) / 2), cw
	case PixelFormatBGRA32:
		return width * height * 4, width * 4
	default:
		return 0, 0
	}
}

// Geometry is the fixed shape an encoder session is bound to.
type Geometry struct {
	Width  int
	Height int
	Format PixelFormat
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d %s", g.Width, g.Height, g.Format)
}

// RawFrame represents one uncompressed captured image.
// The Data slices belong to the producer and are only valid for the
// duration of the call that receives the frame.
type RawFrame struct {
	Data      [][]byte      // Plane data (1-3 planes depending on format)
	Stride    []int         // Stride for each plane in bytes
	Width     int           // Frame width in pixels
	Height    int           // Frame height in pixels
	Format    PixelFormat   // Pixel format
	Timestamp time.Duration // Presentation timestamp on the capture clock
	Duration  time.Duration // Frame duration
}

// Geometry returns the frame's width, height and pixel format.
func (f *RawFrame) Geometry() Geometry {
	return Geometry{Width: f.Width, Height: f.Height, Format: f.Format}
}

// Validate checks that plane data is present and large enough for the
// declared geometry.
func (f *RawFrame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	n := f.Format.PlaneCount()
	if n == 0 {
		return fmt.Errorf("%w: unknown pixel format %d", ErrInvalidFrame, f.Format)
	}
	if len(f.Data) < n || len(f.Stride) < n {
		return fmt.Errorf("%w: %s needs %d planes, got %d", ErrInvalidFrame, f.Format, n, len(f.Data))
	}
	for i := 0; i < n; i++ {
		size, stride := f.Format.planeSize(i, f.Width, f.Height)
		if f.Stride[i] < stride {
			return fmt.Errorf("%w: plane %d stride %d < %d", ErrInvalidFrame, i, f.Stride[i], stride)
		}
		rows := size / stride
		if len(f.Data[i]) < f.Stride[i]*(rows-1)+stride {
			return fmt.Errorf("%w: plane %d has %d bytes", ErrInvalidFrame, i, len(f.Data[i]))
		}
	}
	return nil
}

// Clone creates a deep copy of the frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *RawFrame) Clone() *RawFrame {
	clone := &RawFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Duration:  f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// CompressedSample is one encoder output access unit.
// For H.264/H.265 Data is an Annex-B byte stream; keyframes carry their
// parameter sets in-band.
type CompressedSample struct {
	Data     []byte
	PTS      time.Duration // Presentation timestamp
	DTS      time.Duration // Decode timestamp (equals PTS without reordering)
	Duration time.Duration
	Keyframe bool
	Sequence uint64 // Encoder output order, starting at 0
}

// IsKeyframe returns true if this sample is a sync sample.
func (s *CompressedSample) IsKeyframe() bool {
	return s.Keyframe
}

// End returns the presentation time at which the sample stops being shown.
func (s *CompressedSample) End() time.Duration {
	return s.PTS + s.Duration
}

// Clone creates a deep copy of the sample.
func (s *CompressedSample) Clone() *CompressedSample {
	clone := *s
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return &clone
}

// ticks converts a capture-clock duration to units of the given clock rate.
func ticks(d time.Duration, clockRate uint32) int64 {
	return int64(d) * int64(clockRate) / int64(time.Second)
}
