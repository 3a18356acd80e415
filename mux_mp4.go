package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
)

const mp4TrackID = 1

// mp4Writer writes a fragmented MP4: an init segment followed by one
// fragment per group of pictures.
type mp4Writer struct {
	out       *fileOutput
	track     TrackConfig
	timescale uint32

	initWritten bool
	seq         uint32
	prev        *CompressedSample // waits for the next DTS to learn its duration
	frag        []mp4.FullSample
}

func newMP4Writer(path string, track TrackConfig) (*mp4Writer, error) {
	out, err := createFileOutput(path)
	if err != nil {
		return nil, err
	}
	return &mp4Writer{
		out:       out,
		track:     track,
		timescale: track.timescale(),
	}, nil
}

func (w *mp4Writer) writeInit(first *CompressedSample) error {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(w.timescale, "video", "und")
	trak := init.Moov.Trak

	if first != nil {
		ps := extractParameterSets(w.track.Codec, first.Data)
		if !ps.complete(w.track.Codec) {
			return errors.New("first keyframe carries no parameter sets")
		}
		var err error
		switch w.track.Codec {
		case VideoCodecH264:
			err = trak.SetAVCDescriptor(w.track.Codec.SampleEntry(), ps.sps, ps.pps, true)
		case VideoCodecH265:
			err = trak.SetHEVCDescriptor(w.track.Codec.SampleEntry(), ps.vps, ps.sps, ps.pps, nil, true)
		}
		if err != nil {
			return fmt.Errorf("sample descriptor: %w", err)
		}
	}

	if err := init.Encode(w.out); err != nil {
		return fmt.Errorf("write init segment: %w", err)
	}
	w.initWritten = true
	return nil
}

// WriteSample implements containerWriter.
func (w *mp4Writer) WriteSample(s *CompressedSample) error {
	if !w.initWritten {
		if err := w.writeInit(s); err != nil {
			return err
		}
	}

	if w.prev != nil {
		w.add(w.prev, s.DTS-w.prev.DTS)
	}
	if s.Keyframe && len(w.frag) > 0 {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}
	w.prev = s
	return nil
}

func (w *mp4Writer) add(s *CompressedSample, dur time.Duration) {
	if dur <= 0 {
		dur = s.Duration
	}
	if dur <= 0 {
		dur = w.track.defaultDuration()
	}

	flags := mp4.NonSyncSampleFlags
	if s.Keyframe {
		flags = mp4.SyncSampleFlags
	}
	data := mp4SampleData(w.track.Codec, s.Data)
	dts := ticks(s.DTS, w.timescale)
	w.frag = append(w.frag, mp4.FullSample{
		Sample: mp4.Sample{
			Flags:                 flags,
			Dur:                   uint32(ticks(dur, w.timescale)),
			Size:                  uint32(len(data)),
			CompositionTimeOffset: int32(ticks(s.PTS, w.timescale) - dts),
		},
		DecodeTime: uint64(dts),
		Data:       data,
	})
}

func (w *mp4Writer) flushFragment() error {
	w.seq++
	frag, err := mp4.CreateFragment(w.seq, mp4TrackID)
	if err != nil {
		return fmt.Errorf("create fragment: %w", err)
	}
	for _, fs := range w.frag {
		frag.AddFullSample(fs)
	}
	w.frag = w.frag[:0]
	if err := frag.Encode(w.out); err != nil {
		return fmt.Errorf("write fragment %d: %w", w.seq, err)
	}
	return nil
}

// Finalize implements containerWriter. A track with no samples still gets
// an init segment so the file is well-formed.
func (w *mp4Writer) Finalize(end time.Duration) error {
	if !w.initWritten {
		if err := w.writeInit(nil); err != nil {
			return err
		}
	}
	if w.prev != nil {
		w.add(w.prev, end-w.prev.DTS)
		w.prev = nil
	}
	if len(w.frag) > 0 {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}
	return w.out.commit()
}

// Abort implements containerWriter.
func (w *mp4Writer) Abort() error {
	return w.out.discard()
}

// Bytes implements containerWriter.
func (w *mp4Writer) Bytes() int64 {
	return w.out.Bytes()
}
