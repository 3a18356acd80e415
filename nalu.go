package capture

import (
	"encoding/binary"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
)

// parameterSets holds the in-band parameter sets of an Annex-B keyframe.
type parameterSets struct {
	vps [][]byte
	sps [][]byte
	pps [][]byte
}

// extractParameterSets collects VPS/SPS/PPS NAL units from an Annex-B
// access unit.
func extractParameterSets(codec VideoCodec, annexB []byte) parameterSets {
	var ps parameterSets
	for _, nalu := range avc.ExtractNalusFromByteStream(annexB) {
		if len(nalu) == 0 {
			continue
		}
		switch codec {
		case VideoCodecH264:
			switch avc.GetNaluType(nalu[0]) {
			case avc.NALU_SPS:
				ps.sps = append(ps.sps, nalu)
			case avc.NALU_PPS:
				ps.pps = append(ps.pps, nalu)
			}
		case VideoCodecH265:
			switch hevc.GetNaluType(nalu[0]) {
			case hevc.NALU_VPS:
				ps.vps = append(ps.vps, nalu)
			case hevc.NALU_SPS:
				ps.sps = append(ps.sps, nalu)
			case hevc.NALU_PPS:
				ps.pps = append(ps.pps, nalu)
			}
		}
	}
	return ps
}

// complete reports whether every parameter set the codec needs is present.
func (ps parameterSets) complete(codec VideoCodec) bool {
	if len(ps.sps) == 0 || len(ps.pps) == 0 {
		return false
	}
	return codec != VideoCodecH265 || len(ps.vps) > 0
}

// lengthPrefixed converts an Annex-B access unit to 4-byte length-prefixed
// NAL units (AVCC/HVCC sample format).
func lengthPrefixed(annexB []byte) []byte {
	return avc.ConvertByteStreamToNaluSample(annexB)
}

// mp4SampleData converts an Annex-B access unit to length-prefixed NAL
// units without its parameter sets. avc1/hvc1 tracks carry those only in
// the sample description.
func mp4SampleData(codec VideoCodec, annexB []byte) []byte {
	nalus := avc.ExtractNalusFromByteStream(annexB)
	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		if len(nalu) == 0 || isParameterSet(codec, nalu[0]) {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

func isParameterSet(codec VideoCodec, header byte) bool {
	switch codec {
	case VideoCodecH264:
		t := avc.GetNaluType(header)
		return t == avc.NALU_SPS || t == avc.NALU_PPS
	case VideoCodecH265:
		t := hevc.GetNaluType(header)
		return t == hevc.NALU_VPS || t == hevc.NALU_SPS || t == hevc.NALU_PPS
	}
	return false
}
