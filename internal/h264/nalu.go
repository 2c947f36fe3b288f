// Package h264 provides the NAL-unit-level helpers shared by the RTP
// packetizer/depacketizer (C2/C3) and the access-unit assembler (C4): NAL
// unit header decoding, the RFC 6184 payload type constants, and the
// external SPS/PPS parser and NAL writer collaborator interfaces from
// spec.md 6 (both treated as black boxes per spec.md 1's Non-goals).
package h264

// NALU is a single NAL unit, including its one-byte header.
//
// Grounded on the teacher's internal/media/h264.NALU, generalized with the
// RFC 6184 payload-format constants and the AU-boundary classification that
// spec.md 4.4 requires.
type NALU []byte

// NAL unit types. See https://tools.ietf.org/html/rfc6184#section-5.2 and
// ITU-T H.264 Table 7-1.
const (
	TypeUnspecified0 = 0
	TypeSliceNonIDR  = 1
	TypeSliceDPA     = 2
	TypeSliceDPB     = 3
	TypeSliceDPC     = 4
	TypeSliceIDR     = 5
	TypeSEI          = 6
	TypeSPS          = 7
	TypePPS          = 8
	TypeAUD          = 9 // Access unit delimiter
	TypeEndOfSeq     = 10
	TypeEndOfStream  = 11
	TypeFillerData   = 12

	// RFC 6184 payload formats; these never appear as a "real" NAL unit
	// type on the wire payload once depacketized.
	TypeSTAPA = 24
	TypeFUA   = 28
)

// ForbiddenBit returns the NAL unit's forbidden_zero_bit.
func (n NALU) ForbiddenBit() byte {
	return n[0] & 0x80 >> 7
}

// NRI returns the NAL unit's nal_ref_idc.
func (n NALU) NRI() byte {
	return n[0] & 0x60 >> 5
}

// Type returns the NAL unit's nal_unit_type.
func (n NALU) Type() byte {
	return n[0] & 0x1f
}

// IsSlice reports whether this NAL unit carries (part of) a coded picture,
// as opposed to a parameter set, SEI, or delimiter.
func (n NALU) IsSlice() bool {
	switch n.Type() {
	case TypeSliceNonIDR, TypeSliceDPA, TypeSliceDPB, TypeSliceDPC, TypeSliceIDR:
		return true
	default:
		return false
	}
}

// IsIDR reports whether this NAL unit is part of an IDR (instantaneous
// decoder refresh) picture.
func (n NALU) IsIDR() bool {
	return n.Type() == TypeSliceIDR
}

// StartsNewAccessUnit reports whether, per RFC 6184's access-unit boundary
// rules (spec.md 4.4 "Any NAL unit types that RFC 6184 considers
// AU-boundary starters"), the arrival of this NAL unit implies the previous
// access unit, if any, has ended. prevWasIDR is the IDR-ness of the most
// recent slice NAL unit seen in the access unit being closed; it
// disambiguates the "non-IDR after IDR" rule. An SPS or PPS starts a new
// access unit only once the current one already holds slice data.
func (n NALU) StartsNewAccessUnit(prevWasIDR, prevSawAnySlice bool) bool {
	switch n.Type() {
	case TypeAUD:
		return true
	case TypeSPS, TypePPS:
		return prevSawAnySlice
	case TypeSliceIDR:
		// A new IDR picture always starts a new access unit once any
		// slice data has been seen, whether or not the previous picture
		// was itself IDR (first_mb_in_slice will be 0 for the new
		// picture; we don't decode that deep, so treat any IDR as a
		// boundary once we're mid-AU). This means a second slice of the
		// same IDR picture is also (harmlessly) treated as a boundary;
		// bluenviron-gortsplib's rtph264 decoder sidesteps the question
		// entirely by keying AU boundaries on RTP timestamp change alone,
		// which this package also does as its primary signal (see
		// filter.Consume's timestampChanged check) — this NAL-type check
		// only catches a boundary within the same timestamp.
		return prevSawAnySlice
	case TypeSliceNonIDR:
		return prevSawAnySlice && prevWasIDR
	default:
		return false
	}
}

// lengthPrefix returns the 4-byte big-endian length prefix used when
// replaceStartCodesWithNaluSize is enabled (AVCC-style), instead of the
// Annex-B start code 00 00 00 01.
func (n NALU) lengthPrefix() [4]byte {
	var b [4]byte
	l := uint32(len(n))
	b[0] = byte(l >> 24)
	b[1] = byte(l >> 16)
	b[2] = byte(l >> 8)
	b[3] = byte(l)
	return b
}

// AppendAnnexB appends this NAL unit to dst prefixed with the 4-byte Annex-B
// start code.
func (n NALU) AppendAnnexB(dst []byte) []byte {
	dst = append(dst, 0x00, 0x00, 0x00, 0x01)
	return append(dst, n...)
}

// AppendLengthPrefixed appends this NAL unit to dst prefixed with its
// 4-byte big-endian length (AVCC-style), per
// replaceStartCodesWithNaluSize.
func (n NALU) AppendLengthPrefixed(dst []byte) []byte {
	prefix := n.lengthPrefix()
	dst = append(dst, prefix[:]...)
	return append(dst, n...)
}
