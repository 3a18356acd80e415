package capture

import "time"

// annexBWriter writes samples back to back as a raw Annex-B elementary
// stream. Keyframes carry their parameter sets, so the stream is decodable
// from its first byte.
type annexBWriter struct {
	out *fileOutput
}

func newAnnexBWriter(path string) (*annexBWriter, error) {
	out, err := createFileOutput(path)
	if err != nil {
		return nil, err
	}
	return &annexBWriter{out: out}, nil
}

func (w *annexBWriter) WriteSample(s *CompressedSample) error {
	_, err := w.out.Write(s.Data)
	return err
}

func (w *annexBWriter) Finalize(time.Duration) error {
	return w.out.commit()
}

func (w *annexBWriter) Abort() error {
	return w.out.discard()
}

func (w *annexBWriter) Bytes() int64 {
	return w.out.Bytes()
}
