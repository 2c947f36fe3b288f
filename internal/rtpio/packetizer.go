// Package rtpio implements the RTP data-plane encoding and decoding of an
// H.264 access unit stream: packetizing NAL units into RTP packets per
// RFC 6184 (single NAL unit, STAP-A aggregation, FU-A fragmentation), and
// the inverse depacketization with loss detection.
//
// Grounded on the teacher's internal/rtp h264Writer/h264Reader, with the
// wire-format RTP header and packet replaced by the real
// github.com/pion/rtp package instead of the teacher's hand-rolled
// rtpHeader.
package rtpio

import (
	"math/rand"

	"github.com/pion/rtp"
	"golang.org/x/xerrors"

	"github.com/lanikai/beaverstream/internal/h264"
	"github.com/lanikai/beaverstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("rtpio")

// RFC 6184 section 5.2 payload format discriminators, also defined on the
// h264 package's NALU type; duplicated here as byte constants since they
// appear in the first byte of FU-A/STAP-A RTP payloads, which are not
// NAL units themselves.
const (
	naluTypeSTAPA = h264.TypeSTAPA
	naluTypeFUA   = h264.TypeFUA
)

// DefaultMTU is the maximum RTP payload size used when a Packetizer is
// constructed without an explicit one, matching the teacher's
// h264Writer.packetize "TODO: Get this from the rtpWriter" constant.
const DefaultMTU = 1280

// PacketizerConfig configures a Packetizer.
type PacketizerConfig struct {
	PayloadType byte
	SSRC        uint32
	MTU         int // maximum RTP payload size; 0 means DefaultMTU
}

// Packetizer turns a sequence of NAL units belonging to one RTP session
// into wire-format RTP packets, maintaining sequence number and picking
// single-NAL, STAP-A, or FU-A framing per RFC 6184.
type Packetizer struct {
	payloadType byte
	ssrc        uint32
	mtu         int

	sequence uint16

	// stap accumulates consecutive SEI/SPS/PPS NAL units (each whole,
	// header byte included, behind a 2-byte size) into a pending STAP-A
	// aggregate, flushed the next time any other NAL unit is packetized or
	// by Flush. Mirrors the teacher's
	// h264Writer.stap field.
	stap []byte
}

// NewPacketizer constructs a Packetizer with a randomized initial sequence
// number, per RFC 3550 section 5.1's recommendation that initial sequence
// numbers be unpredictable. Grounded directly on the teacher's
// newRTPWriter, which seeds sequenceStart the same way.
func NewPacketizer(cfg PacketizerConfig) (*Packetizer, error) {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}

	return &Packetizer{
		payloadType: cfg.PayloadType,
		ssrc:        cfg.SSRC,
		mtu:         mtu,
		sequence:    uint16(rand.Uint32()),
	}, nil
}

// Packet is one wire-format RTP packet ready for transmission, along with
// the sequence number it was sent under (callers may want this for
// resend/loss bookkeeping without re-parsing the wire bytes).
type Packet struct {
	Sequence uint16
	Wire     []byte
}

// Packetize converts a single NAL unit into zero or more RTP packets at
// the given RTP timestamp. SEI/SPS/PPS NAL units are held back and
// aggregated into a STAP-A packet (RFC 6184 section 5.7.1), flushed on the
// next non-aggregatable NAL unit or by an explicit call to Flush; slice
// NAL units are sent immediately, as a single RTP packet if they fit
// within the MTU or fragmented into FU-A packets (RFC 6184 section 5.8)
// if not. marker should be true on the RTP packet that completes the
// access unit (spec.md 4.2's "marker bit demarcates the last packet of an
// access unit").
func (p *Packetizer) Packetize(nalu h264.NALU, timestamp uint32, marker bool) ([]Packet, error) {
	var out []Packet

	switch nalu.Type() {
	case h264.TypeSEI, h264.TypeSPS, h264.TypePPS:
		p.stap = appendSTAP(p.stap, nalu)
		return nil, nil
	}

	flushed, err := p.Flush(timestamp, false)
	if err != nil {
		return nil, err
	}
	out = append(out, flushed...)

	if len(nalu) <= p.mtu {
		pkt, err := p.writePacket(marker, timestamp, nalu)
		if err != nil {
			return nil, err
		}
		return append(out, pkt), nil
	}

	fragments, err := p.fragment(nalu, timestamp, marker)
	if err != nil {
		return nil, err
	}
	return append(out, fragments...), nil
}

// Flush emits any pending STAP-A aggregate built up by Packetize. Callers
// should call it at the end of an access unit even if the last NAL unit
// packetized wasn't itself a parameter set, in case the AU ended on a
// trailing SEI/SPS/PPS run. marker is applied to the flushed packet only
// when nothing else in the access unit will carry it.
func (p *Packetizer) Flush(timestamp uint32, marker bool) ([]Packet, error) {
	if len(p.stap) == 0 {
		return nil, nil
	}
	stap := p.stap
	p.stap = nil

	pkt, err := p.writePacket(marker, timestamp, stap)
	if err != nil {
		return nil, err
	}
	return []Packet{pkt}, nil
}

// fragment splits nalu into FU-A packets per RFC 6184 section 5.8.
func (p *Packetizer) fragment(nalu h264.NALU, timestamp uint32, marker bool) ([]Packet, error) {
	var out []Packet

	indicator := nalu[0]&0xe0 | naluTypeFUA
	naluType := nalu.Type()
	start := byte(0x80)

	// Each fragment carries a 2-byte FU indicator+header prefix.
	chunk := p.mtu - 2
	if chunk <= 0 {
		return nil, xerrors.Errorf("rtpio: MTU %d too small for FU-A fragmentation", p.mtu)
	}

	for i := 1; i < len(nalu); i += chunk {
		end := i + chunk
		last := false
		if end >= len(nalu) {
			end = len(nalu)
			last = true
		}

		endBit := byte(0)
		if last {
			endBit = 0x40
		}

		payload := make([]byte, 0, 2+end-i)
		payload = append(payload, indicator, start|endBit|naluType)
		payload = append(payload, nalu[i:end]...)

		pkt, err := p.writePacket(last && marker, timestamp, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)

		start = 0
	}
	return out, nil
}

func (p *Packetizer) writePacket(marker bool, timestamp uint32, payload []byte) (Packet, error) {
	seq := p.sequence
	p.sequence++

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}

	wire, err := pkt.Marshal()
	if err != nil {
		return Packet{}, xerrors.Errorf("rtpio: marshal RTP packet: %w", err)
	}
	return Packet{Sequence: seq, Wire: wire}, nil
}

// appendSTAP appends nalu (including its header byte) to a growing STAP-A
// aggregation payload, initializing the STAP-A header on the first call.
// See https://tools.ietf.org/html/rfc6184#section-5.7.1. Grounded on the
// teacher's internal/rtp.appendSTAP.
func appendSTAP(stap, nalu []byte) []byte {
	if len(stap) == 0 {
		stap = append(stap, naluTypeSTAPA)
	}

	n := len(nalu)
	stap = append(stap, byte(n>>8), byte(n))
	stap = append(stap, nalu...)

	// STAP-A forbidden bit is the logical OR of all aggregated forbidden
	// bits; NRI is the maximum of all aggregated NRI values.
	stap[0] |= nalu[0] & 0x80
	nri := nalu[0] & 0x60
	if stapNRI := stap[0] & 0x60; nri > stapNRI {
		stap[0] = (stap[0] &^ 0x60) | nri
	}

	return stap
}
