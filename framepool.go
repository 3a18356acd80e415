package capture

import "sync"

// framePool hands out RawFrame copies for one fixed geometry, so frames
// queued for encoding never alias the producer's buffers.
type framePool struct {
	geometry Geometry
	pool     sync.Pool
}

func newFramePool(g Geometry) *framePool {
	p := &framePool{geometry: g}
	p.pool.New = func() interface{} {
		return newFrameBuffer(g)
	}
	return p
}

// newFrameBuffer allocates tightly packed planes for g.
func newFrameBuffer(g Geometry) *RawFrame {
	n := g.Format.PlaneCount()
	f := &RawFrame{
		Data:   make([][]byte, n),
		Stride: make([]int, n),
		Width:  g.Width,
		Height: g.Height,
		Format: g.Format,
	}
	for i := 0; i < n; i++ {
		size, stride := g.Format.planeSize(i, g.Width, g.Height)
		f.Data[i] = make([]byte, size)
		f.Stride[i] = stride
	}
	return f
}

// copyOf returns a pooled frame holding src's pixels and timing. src must
// already match the pool geometry.
func (p *framePool) copyOf(src *RawFrame) *RawFrame {
	dst := p.pool.Get().(*RawFrame)
	for i := range dst.Data {
		size, stride := p.geometry.Format.planeSize(i, p.geometry.Width, p.geometry.Height)
		if src.Stride[i] == stride {
			copy(dst.Data[i], src.Data[i][:size])
			continue
		}
		// Repack row by row, dropping source padding.
		rows := size / stride
		for r := 0; r < rows; r++ {
			copy(dst.Data[i][r*stride:(r+1)*stride], src.Data[i][r*src.Stride[i]:])
		}
	}
	dst.Timestamp = src.Timestamp
	dst.Duration = src.Duration
	return dst
}

// put returns a frame obtained from copyOf.
func (p *framePool) put(f *RawFrame) {
	if f == nil {
		return
	}
	f.Timestamp, f.Duration = 0, 0
	p.pool.Put(f)
}
