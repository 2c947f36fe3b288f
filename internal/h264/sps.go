package h264

import "github.com/pkg/errors"

// bitReader reads H.264 exp-Golomb-coded fields out of RBSP bytes (NAL
// unit payload with emulation-prevention bytes already unescaped). This is
// the extent of "entropy" handling this package performs: parameter-set
// header fields only. Slice-data entropy decoding (CABAC/CAVLC residuals,
// macroblock prediction) is the parser service's black box, per spec.md 1's
// Non-goals, and is not implemented here.
type bitReader struct {
	data []byte
	pos  int // bit position
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) bit() (int, error) {
	byteIdx := r.pos >> 3
	if byteIdx >= len(r.data) {
		return 0, errors.New("h264: bit reader ran past end of RBSP")
	}
	shift := 7 - uint(r.pos&7)
	b := int(r.data[byteIdx]>>shift) & 1
	r.pos++
	return b, nil
}

func (r *bitReader) bits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		b, err := r.bit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint32(b)
	}
	return v, nil
}

// ue reads an unsigned exp-Golomb coded value.
func (r *bitReader) ue() (uint32, error) {
	leadingZeros := 0
	for {
		b, err := r.bit()
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeros++
		if leadingZeros > 32 {
			return 0, errors.New("h264: exp-Golomb code too long")
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	rest, err := r.bits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return (1 << uint(leadingZeros)) - 1 + rest, nil
}

// se reads a signed exp-Golomb coded value.
func (r *bitReader) se() (int32, error) {
	v, err := r.ue()
	if err != nil {
		return 0, err
	}
	if v&1 != 0 {
		return int32(v+1) / 2, nil
	}
	return -int32(v / 2), nil
}

// unescapeRBSP removes emulation-prevention three-bytes (00 00 03 -> 00 00)
// from a NAL unit payload (header byte excluded by the caller).
func unescapeRBSP(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	zeros := 0
	for _, b := range payload {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// SPS holds the subset of sequence parameter set fields the filter needs:
// enough to size concealment slices and to detect a meaningful change.
// See ITU-T H.264 7.3.2.1.1.
type SPS struct {
	ID                   uint32
	ProfileIDC           byte
	LevelIDC             byte
	ChromaFormatIDC      uint32
	PicWidthInMbs        uint32
	PicHeightInMapUnits  uint32
	FrameMbsOnly         bool
	raw                  []byte
}

// PPS holds the subset of picture parameter set fields the filter needs.
type PPS struct {
	ID             uint32
	SPSID          uint32
	raw            []byte
}

// ParseSPS parses the header fields of a sequence parameter set NAL unit.
// This is the spec.md 6 "Parser service" collaborator's parseSps.
func ParseSPS(nalu NALU) (*SPS, error) {
	if len(nalu) < 4 || nalu.Type() != TypeSPS {
		return nil, errors.New("h264: not a SPS NAL unit")
	}
	rbsp := unescapeRBSP(nalu[1:])
	r := newBitReader(rbsp)

	sps := &SPS{raw: append([]byte(nil), nalu...)}

	profile, err := r.bits(8)
	if err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS profile_idc")
	}
	sps.ProfileIDC = byte(profile)

	if _, err := r.bits(8); err != nil { // constraint flags + reserved
		return nil, errors.Wrap(err, "h264: parse SPS constraint flags")
	}
	level, err := r.bits(8)
	if err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS level_idc")
	}
	sps.LevelIDC = byte(level)

	if sps.ID, err = r.ue(); err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS seq_parameter_set_id")
	}

	sps.ChromaFormatIDC = 1 // default 4:2:0 when not a high-profile SPS
	switch sps.ProfileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		if sps.ChromaFormatIDC, err = r.ue(); err != nil {
			return nil, errors.Wrap(err, "h264: parse SPS chroma_format_idc")
		}
		if sps.ChromaFormatIDC == 3 {
			if _, err := r.bit(); err != nil { // separate_colour_plane_flag
				return nil, err
			}
		}
		if _, err := r.ue(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := r.ue(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := r.bit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		seqScalingMatrixPresent, err := r.bit()
		if err != nil {
			return nil, err
		}
		if seqScalingMatrixPresent != 0 {
			// Scaling lists are not parsed: parsing stops here, and the
			// returned SPS leaves PicWidthInMbs, PicHeightInMapUnits and
			// FrameMbsOnly at their zero values.
			return sps, nil
		}
	}

	if _, err := r.ue(); err != nil { // log2_max_frame_num_minus4
		return nil, errors.Wrap(err, "h264: parse SPS log2_max_frame_num_minus4")
	}
	picOrderCntType, err := r.ue()
	if err != nil {
		return nil, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := r.ue(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if _, err := r.bit(); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := r.se(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := r.se(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		numRefFrames, err := r.ue()
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < numRefFrames; i++ {
			if _, err := r.se(); err != nil {
				return nil, err
			}
		}
	}

	if _, err := r.ue(); err != nil { // max_num_ref_frames
		return nil, errors.Wrap(err, "h264: parse SPS max_num_ref_frames")
	}
	if _, err := r.bit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	if sps.PicWidthInMbs, err = r.ue(); err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS pic_width_in_mbs_minus1")
	}
	sps.PicWidthInMbs++

	if sps.PicHeightInMapUnits, err = r.ue(); err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS pic_height_in_map_units_minus1")
	}
	sps.PicHeightInMapUnits++

	frameMbsOnly, err := r.bit()
	if err != nil {
		return nil, errors.Wrap(err, "h264: parse SPS frame_mbs_only_flag")
	}
	sps.FrameMbsOnly = frameMbsOnly != 0

	return sps, nil
}

// ParsePPS parses the header fields of a picture parameter set NAL unit.
// This is the spec.md 6 "Parser service" collaborator's parsePps.
func ParsePPS(nalu NALU, sps *SPS) (*PPS, error) {
	if len(nalu) < 2 || nalu.Type() != TypePPS {
		return nil, errors.New("h264: not a PPS NAL unit")
	}
	rbsp := unescapeRBSP(nalu[1:])
	r := newBitReader(rbsp)

	pps := &PPS{raw: append([]byte(nil), nalu...)}
	var err error
	if pps.ID, err = r.ue(); err != nil {
		return nil, errors.Wrap(err, "h264: parse PPS pic_parameter_set_id")
	}
	if pps.SPSID, err = r.ue(); err != nil {
		return nil, errors.Wrap(err, "h264: parse PPS seq_parameter_set_id")
	}
	return pps, nil
}

// GetPictureMbDims returns the picture size in macroblocks. This is the
// spec.md 6 "Parser service" collaborator's getPictureMbDims.
func GetPictureMbDims(sps *SPS) (mbWidth, mbHeight uint32) {
	mbHeight = sps.PicHeightInMapUnits
	if !sps.FrameMbsOnly {
		mbHeight *= 2
	}
	return sps.PicWidthInMbs, mbHeight
}

// Equal reports whether two SPS NAL units are byte-identical. The filter
// uses this (rather than comparing parsed fields) to decide whether a
// "new" SPS actually changes anything, matching spec.md 4.4's "if either
// changes, a new generation starts".
func (s *SPS) Equal(other *SPS) bool {
	if s == nil || other == nil {
		return s == other
	}
	return string(s.raw) == string(other.raw)
}

// Equal reports whether two PPS NAL units are byte-identical.
func (p *PPS) Equal(other *PPS) bool {
	if p == nil || other == nil {
		return p == other
	}
	return string(p.raw) == string(other.raw)
}
