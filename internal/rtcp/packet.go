// Package rtcp implements the RTP Control Protocol engine: Sender Report
// and Receiver Report generation and parsing (RFC 3550 section 6.4),
// round-trip time and clock delta estimation, the RFC 3550 interarrival
// jitter estimator, and de-jitter buffer (DJB) metrics.
//
// The wire codec here consolidates the teacher's two parallel RTCP
// implementations (the hand-rolled codec in internal/rtp/rtcp.go, and the
// separately vendored pions-era internal/rtcp package) into one package,
// using the teacher's internal/packet byte-cursor for serialization as
// both of them did.
package rtcp

import (
	"github.com/pkg/errors"

	"github.com/lanikai/beaverstream/internal/logging"
	"github.com/lanikai/beaverstream/internal/packet"
)

var log = logging.DefaultLogger.WithTag("rtcp")

// RTCP packet types, RFC 3550 section 6.4 / RFC 3550 section 12.1.
const (
	PacketTypeSenderReport   = 200
	PacketTypeReceiverReport = 201
)

const (
	rtcpVersion = 2
	headerSize  = 4
	reportSize  = 6 * 4

	// senderInfoSize is the size, in bytes, of a Sender Report's sender
	// info block: SSRC, NTP timestamp, RTP timestamp, packet count, octet
	// count.
	senderInfoSize = 24
)

// Header is the common 4-byte prefix shared by every RTCP packet.
// See https://tools.ietf.org/html/rfc3550#section-6.4.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|  count  |  packet type  |             length            |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Header struct {
	Padding    bool
	Count      int
	PacketType byte

	// Length is the length of this RTCP packet in 32-bit words, minus one.
	Length int
}

func (h *Header) writeTo(w *packet.Writer) error {
	if err := w.CheckCapacity(headerSize); err != nil {
		return errors.Wrap(err, "rtcp: insufficient buffer for header")
	}
	var paddingBit, versionBits byte
	if h.Padding {
		paddingBit = 1 << 5
	}
	versionBits = rtcpVersion << 6
	w.WriteByte(versionBits | paddingBit | byte(h.Count)&0x1f)
	w.WriteByte(h.PacketType)
	w.WriteUint16(uint16(h.Length))
	return nil
}

func (h *Header) readFrom(r *packet.Reader) error {
	if err := r.CheckRemaining(headerSize); err != nil {
		return errors.Wrap(err, "rtcp: short header")
	}
	b := r.ReadByte()
	version := b >> 6
	if version != rtcpVersion {
		return errors.Errorf("rtcp: unsupported version %d", version)
	}
	h.Padding = b&(1<<5) != 0
	h.Count = int(b & 0x1f)
	h.PacketType = r.ReadByte()
	h.Length = int(r.ReadUint16())
	return nil
}

// ReportBlock is one reception report block, carried in both Sender
// Reports and Receiver Reports. See
// https://tools.ietf.org/html/rfc3550#section-6.4.1.
type ReportBlock struct {
	// SSRC is the source this block reports on.
	SSRC uint32

	// FractionLost is the fraction of packets lost since the previous
	// report, in [0, 1]; it is converted to Q.8 fixed point on the wire.
	FractionLost float32

	// CumulativeLost is the total number of packets lost since the
	// beginning of reception, which may be negative if duplicates
	// outnumber losses.
	CumulativeLost int32

	// ExtendedHighestSequenceNumber is the high 16 bits holding the
	// rollover count and low 16 bits holding the highest sequence number
	// received.
	ExtendedHighestSequenceNumber uint32

	// Jitter is the interarrival jitter estimate, in timestamp units.
	Jitter uint32

	// LastSenderReport is the middle 32 bits of the NTP timestamp from the
	// most recent Sender Report received from this source, or 0.
	LastSenderReport uint32

	// DelaySinceLastSenderReport is the delay, in units of 1/65536
	// seconds, since LastSenderReport was received, or 0 if no SR has
	// been received yet.
	DelaySinceLastSenderReport uint32
}

func (b *ReportBlock) writeTo(w *packet.Writer) {
	w.WriteUint32(b.SSRC)
	w.WriteByte(byte(b.FractionLost * 256))
	w.WriteUint24(uint32(b.CumulativeLost) & 0xffffff)
	w.WriteUint32(b.ExtendedHighestSequenceNumber)
	w.WriteUint32(b.Jitter)
	w.WriteUint32(b.LastSenderReport)
	w.WriteUint32(b.DelaySinceLastSenderReport)
}

func (b *ReportBlock) readFrom(r *packet.Reader) {
	b.SSRC = r.ReadUint32()
	b.FractionLost = float32(r.ReadByte()) / 256
	cumulative := r.ReadUint24()
	if cumulative&0x800000 != 0 {
		// Sign-extend the 24-bit two's complement value.
		cumulative |= 0xff000000
	}
	b.CumulativeLost = int32(cumulative)
	b.ExtendedHighestSequenceNumber = r.ReadUint32()
	b.Jitter = r.ReadUint32()
	b.LastSenderReport = r.ReadUint32()
	b.DelaySinceLastSenderReport = r.ReadUint32()
}

// SenderReport is an RTCP Sender Report (SR) packet: sender clock
// correlation plus zero or more reception report blocks.
// See https://tools.ietf.org/html/rfc3550#section-6.4.1.
type SenderReport struct {
	SSRC uint32

	// NTPTimestamp is the wallclock time the report was sent, as a 64-bit
	// fixed-point NTP timestamp (seconds in the high 32 bits).
	NTPTimestamp uint64

	// RTPTimestamp corresponds to NTPTimestamp, in the same units and with
	// the same random offset as the RTP packets sent by this source.
	RTPTimestamp uint32

	PacketCount uint32
	OctetCount  uint32

	Reports []ReportBlock
}

// Marshal serializes the Sender Report into a new byte slice.
func (p *SenderReport) Marshal() ([]byte, error) {
	buf := make([]byte, headerSize+senderInfoSize+len(p.Reports)*reportSize)
	w := packet.NewWriter(buf)
	if err := p.marshalTo(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (p *SenderReport) marshalTo(w *packet.Writer) error {
	h := Header{
		PacketType: PacketTypeSenderReport,
		Count:      len(p.Reports),
		Length:     (senderInfoSize + len(p.Reports)*reportSize) / 4,
	}
	if err := h.writeTo(w); err != nil {
		return err
	}
	w.WriteUint32(p.SSRC)
	w.WriteUint64(p.NTPTimestamp)
	w.WriteUint32(p.RTPTimestamp)
	w.WriteUint32(p.PacketCount)
	w.WriteUint32(p.OctetCount)
	for i := range p.Reports {
		p.Reports[i].writeTo(w)
	}
	return nil
}

// UnmarshalSenderReport parses a Sender Report packet, including its
// header. Grounded on the original implementation's
// ARSTREAM2_Rtcp_IsSenderReport/ParseSenderReport, which validate length
// and version before trusting the payload.
func UnmarshalSenderReport(buf []byte) (*SenderReport, error) {
	r := packet.NewReader(buf)
	var h Header
	if err := h.readFrom(r); err != nil {
		return nil, err
	}
	if h.PacketType != PacketTypeSenderReport {
		return nil, errors.Errorf("rtcp: not a Sender Report (packet type %d)", h.PacketType)
	}
	// spec.md 9: the spec validates length >= 6 only (the minimum for a
	// zero-block SR); a well-formed SR may carry extension blocks or
	// other trailing bytes past the Count report blocks; this parser
	// skips them rather than rejecting the packet as malformed.
	if 4*(h.Length+1) < headerSize+senderInfoSize+h.Count*reportSize {
		return nil, errors.Errorf("rtcp: malformed Sender Report: length=%d count=%d", h.Length, h.Count)
	}

	p := &SenderReport{}
	p.SSRC = r.ReadUint32()
	p.NTPTimestamp = r.ReadUint64()
	p.RTPTimestamp = r.ReadUint32()
	p.PacketCount = r.ReadUint32()
	p.OctetCount = r.ReadUint32()
	for i := 0; i < h.Count; i++ {
		var rb ReportBlock
		rb.readFrom(r)
		p.Reports = append(p.Reports, rb)
	}
	return p, nil
}

// ReceiverReport is an RTCP Receiver Report (RR) packet.
// See https://tools.ietf.org/html/rfc3550#section-6.4.2.
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReportBlock
}

// Marshal serializes the Receiver Report into a new byte slice.
func (p *ReceiverReport) Marshal() ([]byte, error) {
	buf := make([]byte, headerSize+4+len(p.Reports)*reportSize)
	w := packet.NewWriter(buf)
	if err := p.marshalTo(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (p *ReceiverReport) marshalTo(w *packet.Writer) error {
	h := Header{
		PacketType: PacketTypeReceiverReport,
		Count:      len(p.Reports),
		Length:     (4 + len(p.Reports)*reportSize) / 4,
	}
	if err := h.writeTo(w); err != nil {
		return err
	}
	w.WriteUint32(p.SSRC)
	for i := range p.Reports {
		p.Reports[i].writeTo(w)
	}
	return nil
}

// UnmarshalReceiverReport parses a Receiver Report packet, including its
// header.
func UnmarshalReceiverReport(buf []byte) (*ReceiverReport, error) {
	r := packet.NewReader(buf)
	var h Header
	if err := h.readFrom(r); err != nil {
		return nil, err
	}
	if h.PacketType != PacketTypeReceiverReport {
		return nil, errors.Errorf("rtcp: not a Receiver Report (packet type %d)", h.PacketType)
	}
	// Same tolerance as UnmarshalSenderReport: trailing bytes past the
	// Count report blocks are skipped, not rejected.
	if 4*(h.Length+1) < headerSize+4+h.Count*reportSize {
		return nil, errors.Errorf("rtcp: malformed Receiver Report: length=%d count=%d", h.Length, h.Count)
	}

	p := &ReceiverReport{}
	p.SSRC = r.ReadUint32()
	for i := 0; i < h.Count; i++ {
		var rb ReportBlock
		rb.readFrom(r)
		p.Reports = append(p.Reports, rb)
	}
	return p, nil
}
