package rtpio

import (
	"github.com/pion/rtp"
	"golang.org/x/xerrors"

	"github.com/lanikai/beaverstream/internal/h264"
)

// NALUnit is a NAL unit recovered from the RTP stream, tagged with the
// packet metadata the caller needs for access-unit assembly and loss
// bookkeeping (C4/C8).
type NALUnit struct {
	NALU h264.NALU

	// SequenceNumber is the RTP sequence number of the packet (the last
	// one, for a reassembled FU-A) that produced this NAL unit.
	SequenceNumber uint16

	// ExtendedSequenceNumber folds in the rollover counter, per RFC 3711
	// section 3.3.1 (spec.md 4.3's "extended sequence number").
	ExtendedSequenceNumber uint64

	Timestamp uint32
	Marker    bool

	// Discontinuous is true when one or more RTP sequence numbers were
	// skipped immediately before the packet(s) that produced this NAL
	// unit, i.e. loss is suspected.
	Discontinuous bool
}

// maxLossWindowPackets bounds how many sequence numbers a LossReport's
// bitmap may span before Unmarshal force-flushes it, so a long loss-free
// run doesn't grow the window unboundedly.
const maxLossWindowPackets = 2048

// LossReport is a bitmap covering a contiguous range of RTP sequence
// numbers, one bit per packet, set if that packet was received.
// Grounded on spec.md 4.3's "Loss report" operation; handed to C5
// (rtcp.ReceiverState.RecordLossReport) and optionally read back by a
// statistics sink via Depacketizer.LastLossReport.
type LossReport struct {
	StartSeqNum uint16
	EndSeqNum   uint16
	Bitmap      []byte
}

// Received reports whether seq, which must lie within
// [StartSeqNum, EndSeqNum], was marked received in the bitmap.
func (r *LossReport) Received(seq uint16) bool {
	idx := int(seq - r.StartSeqNum)
	if idx < 0 || idx/8 >= len(r.Bitmap) {
		return false
	}
	return r.Bitmap[idx/8]&(1<<uint(idx%8)) != 0
}

// Stats accumulates depacketizer-level counters surfaced to C8.
type Stats struct {
	PacketsReceived uint64
	BytesReceived   uint64

	// PacketsLost is the running total of gaps detected in the sequence
	// number space (not confirmed loss; reordering can't be distinguished
	// from loss until a retransmission or timeout resolves it).
	PacketsLost uint64

	// MissingStartCount and MissingEndCount separately count FU-A
	// reassemblies that were missing their start fragment (the first
	// fragment, carrying the NAL unit header) or end fragment
	// respectively, per the original implementation's more granular
	// statistic (SPEC_FULL.md's supplemented features). MissingStartCount
	// also counts reassemblies abandoned after a gap inside the fragment
	// run.
	MissingStartCount uint64
	MissingEndCount   uint64
}

// Depacketizer turns a stream of received RTP packets back into NAL
// units, reversing a Packetizer's STAP-A aggregation and FU-A
// fragmentation, and tracking sequence number continuity.
//
// Grounded on the teacher's internal/rtp h264Reader.handlePacket (NAL
// reassembly) and rtpReader.updateIndex (extended sequence number
// tracking), with the wire header parsed via github.com/pion/rtp instead
// of the teacher's hand-rolled rtpHeader.
type Depacketizer struct {
	have         bool
	lastSequence uint16
	lastIndex    uint64

	// fua accumulates an in-progress FU-A reassembly.
	fua              []byte
	fuaActive        bool
	fuaDiscontinuous bool // a gap preceded the start fragment

	stats Stats

	// Loss report bitmap accumulation (spec.md 4.3's "Loss report"). The
	// window opens at the first packet seen (or, after a flush, at the
	// sequence number following the flushed window) and accumulates one bit per received packet until
	// flushed, either by a detected discontinuity or by exceeding
	// maxLossWindowPackets.
	haveLossWindow bool
	lossWindowAt   uint16
	lossBitmap     []byte
	lastLoss       *LossReport
}

// NewDepacketizer constructs a Depacketizer with no assumed starting
// sequence number; the first packet received seeds it.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Stats returns a snapshot of the depacketizer's running counters.
func (d *Depacketizer) Stats() Stats {
	return d.stats
}

// LastLossReport returns the most recently flushed loss report bitmap, or
// nil if none has been flushed yet. Intended for a statistics sink to
// read back, per spec.md 4.3.
func (d *Depacketizer) LastLossReport() *LossReport {
	return d.lastLoss
}

// FlushLossReport finalizes whatever loss report window is currently
// open, through the last sequence number seen, and starts a fresh window.
// Returns nil if no packet has been seen yet. Intended to be called
// periodically (e.g. from the control thread's RTCP cadence) so a
// long loss-free run still produces a report instead of growing its
// bitmap unboundedly.
func (d *Depacketizer) FlushLossReport() *LossReport {
	if !d.haveLossWindow {
		return nil
	}
	return d.flushLossWindow(d.lastSequence)
}

// Unmarshal parses one wire-format RTP packet and returns the NAL units it
// completed (zero for a STAP-A/FU-A fragment that doesn't yet complete a
// unit, one for a single-NAL packet or the final FU-A fragment, more than
// one for a STAP-A aggregate) plus a loss report, non-nil exactly when
// this packet closed out a loss-report window (a gap was just detected,
// or the window grew past maxLossWindowPackets).
func (d *Depacketizer) Unmarshal(wire []byte) ([]NALUnit, *LossReport, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(wire); err != nil {
		return nil, nil, xerrors.Errorf("rtpio: unmarshal RTP packet: %w", err)
	}

	extSeq, discontinuous := d.updateIndex(pkt.SequenceNumber)
	d.markReceived(pkt.SequenceNumber)

	var loss *LossReport
	if discontinuous || uint16(pkt.SequenceNumber-d.lossWindowAt) >= maxLossWindowPackets-1 {
		loss = d.flushLossWindow(pkt.SequenceNumber)
	}

	d.stats.PacketsReceived++
	d.stats.BytesReceived += uint64(len(pkt.Payload))

	if len(pkt.Payload) == 0 {
		return nil, loss, xerrors.New("rtpio: empty RTP payload")
	}

	payload := pkt.Payload
	naluType := payload[0] & 0x1f

	var units []NALUnit
	var err error
	switch naluType {
	case naluTypeSTAPA:
		units, err = d.handleSTAPA(payload, pkt.SequenceNumber, extSeq, pkt.Timestamp, pkt.Marker, discontinuous)
	case naluTypeFUA:
		units, err = d.handleFUA(payload, pkt.SequenceNumber, extSeq, pkt.Timestamp, pkt.Marker, discontinuous)
	default:
		nalu := append(h264.NALU(nil), payload...)
		units = []NALUnit{{
			NALU:                   nalu,
			SequenceNumber:         pkt.SequenceNumber,
			ExtendedSequenceNumber: extSeq,
			Timestamp:              pkt.Timestamp,
			Marker:                 pkt.Marker,
			Discontinuous:          discontinuous,
		}}
	}
	return units, loss, err
}

// markReceived sets seq's bit in the currently open loss-report window,
// opening the window at seq if none is open yet and growing the bitmap
// as needed.
func (d *Depacketizer) markReceived(seq uint16) {
	if !d.haveLossWindow {
		d.haveLossWindow = true
		d.lossWindowAt = seq
		if d.lastLoss != nil {
			// Reopen right after the flushed window, so sequence numbers
			// lost before seq are still covered.
			if next := d.lastLoss.EndSeqNum + 1; int16(seq-next) > 0 {
				d.lossWindowAt = next
			}
		}
		d.lossBitmap = d.lossBitmap[:0]
	}
	idx := int(seq - d.lossWindowAt)
	need := idx/8 + 1
	if need > len(d.lossBitmap) {
		d.lossBitmap = append(d.lossBitmap, make([]byte, need-len(d.lossBitmap))...)
	}
	d.lossBitmap[idx/8] |= 1 << uint(idx%8)
}

// flushLossWindow finalizes the open loss-report window through seq
// (inclusive); the next received packet reopens a fresh window starting at
// seq+1 (see markReceived).
func (d *Depacketizer) flushLossWindow(through uint16) *LossReport {
	n := int(through-d.lossWindowAt) + 1
	bitmap := make([]byte, (n+7)/8)
	copy(bitmap, d.lossBitmap)

	report := &LossReport{StartSeqNum: d.lossWindowAt, EndSeqNum: through, Bitmap: bitmap}
	d.lastLoss = report

	d.haveLossWindow = false
	d.lossBitmap = d.lossBitmap[:0]
	return report
}

func (d *Depacketizer) handleSTAPA(payload []byte, seq uint16, extSeq uint64, timestamp uint32, marker, discontinuous bool) ([]NALUnit, error) {
	nalus, err := splitSTAP(payload)
	if err != nil {
		return nil, err
	}

	out := make([]NALUnit, 0, len(nalus))
	for i, nalu := range nalus {
		out = append(out, NALUnit{
			NALU:                   nalu,
			SequenceNumber:         seq,
			ExtendedSequenceNumber: extSeq,
			Timestamp:              timestamp,
			Marker:                 marker && i == len(nalus)-1,
			Discontinuous:          discontinuous && i == 0,
		})
	}
	return out, nil
}

func (d *Depacketizer) handleFUA(payload []byte, seq uint16, extSeq uint64, timestamp uint32, marker, discontinuous bool) ([]NALUnit, error) {
	if len(payload) < 2 {
		return nil, xerrors.New("rtpio: FU-A payload too short")
	}

	indicator := payload[0]
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		if d.fuaActive {
			// A new fragmented NALU started before the previous one
			// finished: the end fragment was lost.
			d.stats.MissingEndCount++
		}
		fnri := indicator & 0xe0
		fuaType := header & 0x1f
		d.fua = append(d.fua[:0], fnri|fuaType)
		d.fuaActive = true
		d.fuaDiscontinuous = discontinuous
	} else if !d.fuaActive {
		// Mid-sequence fragment with no start seen: the start fragment was
		// lost. Drop until the next start fragment.
		d.stats.MissingStartCount++
		return nil, nil
	} else if discontinuous {
		// A gap before a continuation fragment means we likely lost part
		// of this NALU's body; the reassembled unit would be corrupt.
		d.fuaActive = false
		d.fua = nil
		d.stats.MissingStartCount++
		return nil, nil
	}

	d.fua = append(d.fua, payload[2:]...)

	if !end {
		return nil, nil
	}

	nalu := append(h264.NALU(nil), d.fua...)
	d.fua = nil
	d.fuaActive = false

	return []NALUnit{{
		NALU:                   nalu,
		SequenceNumber:         seq,
		ExtendedSequenceNumber: extSeq,
		Timestamp:              timestamp,
		Marker:                 marker,
		Discontinuous:          d.fuaDiscontinuous,
	}}, nil
}

// splitSTAP splits a STAP-A aggregation payload (including its one-byte
// STAP-A header) into individual NAL units. See
// https://tools.ietf.org/html/rfc6184#section-5.7.1. Grounded on the
// teacher's internal/rtp.splitSTAP.
func splitSTAP(payload []byte) ([]h264.NALU, error) {
	var nalus []h264.NALU
	buf := payload[1:]
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, xerrors.New("rtpio: truncated STAP-A NALU size")
		}
		n := int(buf[0])<<8 | int(buf[1])
		buf = buf[2:]
		if len(buf) < n {
			return nil, xerrors.New("rtpio: truncated STAP-A NALU payload")
		}
		nalu := append(h264.NALU(nil), buf[:n]...)
		nalus = append(nalus, nalu)
		buf = buf[n:]
	}
	return nalus, nil
}

// updateIndex folds a received 16-bit sequence number into the running
// 48-bit extended sequence number space (rollover counter << 16 | seq),
// and reports whether any sequence numbers were skipped since the last
// packet. Grounded on the teacher's rtpReader.updateIndex.
func (d *Depacketizer) updateIndex(sequence uint16) (index uint64, discontinuous bool) {
	if !d.have {
		d.have = true
		d.lastSequence = sequence
		d.lastIndex = uint64(sequence)
		return d.lastIndex, false
	}

	delta := int64(sequence) - int64(d.lastSequence)
	if delta > 32768 {
		delta -= 65536
	} else if delta <= -32768 {
		delta += 65536
	}

	index = uint64(int64(d.lastIndex) + delta)
	if index > d.lastIndex {
		if delta > 1 {
			d.stats.PacketsLost += uint64(delta - 1)
			discontinuous = true
		}
		d.lastIndex = index
		d.lastSequence = sequence
	}
	return index, discontinuous
}
