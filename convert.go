package capture

import "fmt"

// planarInput adapts frames to the three-plane 8-bit 4:2:0 layout the
// software encoders take. I420 frames pass through; NV12 chroma is
// deinterleaved into a reused buffer.
type planarInput struct {
	geometry Geometry
	buf      *RawFrame
}

func newPlanarInput(g Geometry) (*planarInput, error) {
	switch g.Format {
	case PixelFormatI420:
		return &planarInput{geometry: g}, nil
	case PixelFormatNV12:
		i420 := g
		i420.Format = PixelFormatI420
		return &planarInput{geometry: g, buf: newFrameBuffer(i420)}, nil
	default:
		return nil, fmt.Errorf("%w: software encoders take NV12 or I420, got %s", ErrUnsupportedGeometry, g.Format)
	}
}

// planes returns the Y, U and V planes of frame with their strides. The
// result aliases frame or the converter's buffer and is valid until the
// next call.
func (c *planarInput) planes(frame *RawFrame) (y, u, v []byte, yStride, uvStride int) {
	if c.buf == nil {
		return frame.Data[0], frame.Data[1], frame.Data[2], frame.Stride[0], frame.Stride[1]
	}
	nv12ToI420(frame, c.buf)
	return frame.Data[0], c.buf.Data[1], c.buf.Data[2], frame.Stride[0], c.buf.Stride[1]
}

// nv12ToI420 splits the interleaved UV plane of src into the U and V planes
// of dst. The luma plane is not copied.
func nv12ToI420(src, dst *RawFrame) {
	w, h := (src.Width+1)/2, (src.Height+1)/2
	uv := src.Data[1]
	u, v := dst.Data[1], dst.Data[2]
	for row := 0; row < h; row++ {
		in := uv[row*src.Stride[1]:]
		uRow := u[row*dst.Stride[1]:]
		vRow := v[row*dst.Stride[2]:]
		for x := 0; x < w; x++ {
			uRow[x] = in[2*x]
			vRow[x] = in[2*x+1]
		}
	}
}
