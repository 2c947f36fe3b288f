package rtcp

import "sync"

// SenderState tracks the bookkeeping needed to generate outgoing Sender
// Reports: RTP packet/byte counters and the NTP-to-RTP clock
// correlation. Grounded on the original implementation's
// ARSTREAM2_Rtcp_GenerateSenderReport (src/arstream2_rtcp.c).
type SenderState struct {
	mu sync.Mutex

	ssrc uint32

	// rtpClockRate is the RTP timestamp clock rate in Hz (typically 90000
	// for H.264 video).
	rtpClockRate uint32

	// rtpTimestampOffset is the random initial RTP timestamp; RTP
	// timestamps sent on the wire are this offset plus elapsed media time.
	rtpTimestampOffset uint32

	packetCount uint32
	octetCount  uint32
}

// NewSenderState constructs sender-side RTCP bookkeeping for one SSRC.
func NewSenderState(ssrc uint32, rtpClockRate, rtpTimestampOffset uint32) *SenderState {
	return &SenderState{
		ssrc:               ssrc,
		rtpClockRate:       rtpClockRate,
		rtpTimestampOffset: rtpTimestampOffset,
	}
}

// OnPacketSent updates the running RTP packet/byte counters that the next
// Sender Report will include.
func (s *SenderState) OnPacketSent(payloadBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetCount++
	s.octetCount += uint32(payloadBytes)
}

// microsecondNTP converts a wallclock time (seconds and nanoseconds since an
// arbitrary epoch, matching time.Time.Unix() semantics) to a count of
// microseconds. It does not produce the 64-bit fixed-point NTP format;
// toWireNTP does that.
//
// Grounded exactly on ARSTREAM2_Rtcp_GenerateSenderReport, which computes
// an intermediate microsecond NTP representation
// (ntpTimestamp = sec*1e6 + nsec/1000) before converting to RTP
// timestamp units; we keep that same intermediate value, in
// microseconds, as SenderState's internal NTP representation, and only
// expand it to the full 64-bit NTP fixed-point format at the wire-codec
// boundary (see toWireNTP).
func microsecondNTP(sec int64, nsec int64) uint64 {
	return uint64(sec)*1000000 + uint64(nsec)/1000
}

// toWireNTP expands a microsecond-resolution timestamp (as produced by
// microsecondNTP) into the 64-bit fixed-point NTP format used on the
// wire: whole seconds in the high 32 bits, fraction of a second
// (2^32 units per second) in the low 32 bits.
func toWireNTP(microseconds uint64) uint64 {
	sec := microseconds / 1000000
	frac := microseconds % 1000000
	fracUnits := (frac << 32) / 1000000
	return sec<<32 | fracUnits
}

// GenerateSenderReport builds a Sender Report reflecting the given
// wallclock time (Unix seconds and nanoseconds), with no reception report
// blocks attached (callers combine this with a ReceiverState-derived
// ReportBlock when acting as both sender and receiver, as spec.md 4.5's
// compound RTCP packets require).
//
// The RTP timestamp conversion reproduces
// ARSTREAM2_Rtcp_GenerateSenderReport's rounding exactly: round to the
// nearest RTP clock tick by adding half an RTP clock period (in
// microsecond units) before the integer division, rather than truncating.
func (s *SenderState) GenerateSenderReport(unixSec, unixNsec int64) *SenderReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	ntpMicros := microsecondNTP(unixSec, unixNsec)

	rtpTicks := (ntpMicros*uint64(s.rtpClockRate) + 500000) / 1000000
	rtpTimestamp := s.rtpTimestampOffset + uint32(rtpTicks&0xffffffff)

	return &SenderReport{
		SSRC:         s.ssrc,
		NTPTimestamp: toWireNTP(ntpMicros),
		RTPTimestamp: rtpTimestamp,
		PacketCount:  s.packetCount,
		OctetCount:   s.octetCount,
	}
}

// ReceiverState tracks per-sender bookkeeping needed to build Receiver
// Report blocks: extended sequence numbers, loss counts, the RFC 3550
// interarrival jitter estimate, and the most recent Sender Report's
// arrival for round-trip time estimation.
//
// Grounded on the teacher's rtpReader.updateIndex (extended sequence
// tracking) plus RFC 3550 section 6.4.1's jitter estimator, which the
// teacher left as a TODO ("Jitter, arrival delay, etc.", stream.go).
type ReceiverState struct {
	mu sync.Mutex

	ssrc uint32

	have                   bool
	lastSeq                uint16
	extendedHighestSeq     uint32 // rollover count (high 16) | highest seq (low 16)
	packetsReceived        uint64
	expectedAtLastReport   uint64
	receivedAtLastReport   uint64

	// jitter is the running interarrival jitter estimate in RTP timestamp
	// units, stored unscaled; Jitter() and BuildReportBlock return it as is.
	jitter uint32

	lastArrivalRTPUnits int64
	lastTransitValid    bool
	lastTransit         int64

	// lastSRReceived is the wallclock time (as a monotonic-ish
	// microsecond counter supplied by the caller) at which the most
	// recent Sender Report was received, alongside its middle 32 NTP
	// bits, for computing DelaySinceLastSenderReport.
	lastSRNTPMiddle  uint32
	lastSRReceivedAt uint64
	haveSR           bool

	// Most recently received loss report bitmap (spec.md 4.3), handed in
	// by C3 via RecordLossReport. Kept as plain fields rather than a
	// shared type so this package doesn't need to import rtpio.
	lossStart, lossEnd uint16
	lossBitmap         []byte
	haveLoss           bool
}

// NewReceiverState constructs receiver-side RTCP bookkeeping for one
// remote SSRC.
func NewReceiverState(ssrc uint32) *ReceiverState {
	return &ReceiverState{ssrc: ssrc}
}

// OnPacketReceived folds a newly received RTP packet into the sequence
// number and jitter tracking. arrivalRTPUnits and packetRTPTimestamp must
// be in the same units (the RTP clock rate for this stream), per RFC
// 3550 section 6.4.1's definition of jitter. arrivalRTPUnits is typically
// derived from a local monotonic clock scaled to the RTP clock rate at
// the moment of reception.
func (s *ReceiverState) OnPacketReceived(sequence uint16, packetRTPTimestamp uint32, arrivalRTPUnits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++

	if !s.have {
		s.have = true
		s.lastSeq = sequence
		s.extendedHighestSeq = uint32(sequence)
	} else {
		delta := int32(sequence) - int32(s.lastSeq)
		if delta > 32768 {
			delta -= 65536
		} else if delta < -32768 {
			delta += 65536
		}
		if delta > 0 {
			s.extendedHighestSeq = uint32(int64(s.extendedHighestSeq) + int64(delta))
			s.lastSeq = sequence
		}
	}

	// RFC 3550 section 6.4.1:
	//   D(i-1,i) = (Rj - Ri) - (Sj - Si)
	//   J(i) = J(i-1) + (|D(i-1,i)| - J(i-1))/16
	transit := arrivalRTPUnits - int64(packetRTPTimestamp)
	if s.lastTransitValid {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += uint32((d - int64(s.jitter)) >> 4)
	}
	s.lastTransit = transit
	s.lastTransitValid = true
}

// OnSenderReportReceived records the arrival of a Sender Report so that
// the next Receiver Report can populate LastSenderReport and
// DelaySinceLastSenderReport (RFC 3550 section 6.4.1). receivedAtMicros
// is the local wallclock time of arrival in microseconds, in the same
// epoch as the Sender Report's own NTP timestamp.
func (s *ReceiverState) OnSenderReportReceived(sr *SenderReport, receivedAtMicros uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The middle 32 bits of the 64-bit NTP timestamp, per RFC 3550's
	// definition of the LSR report field.
	s.lastSRNTPMiddle = uint32(sr.NTPTimestamp >> 16)
	s.lastSRReceivedAt = receivedAtMicros
	s.haveSR = true
}

// RecordLossReport stores the most recently flushed loss report bitmap
// from C3, per spec.md 4.3 ("handed to C5"). It does not currently feed
// back into FractionLost/CumulativeLost, which are derived independently
// from the running sequence-number counters in BuildReportBlock; this is
// where a future NACK scheme would read per-packet reception state.
func (s *ReceiverState) RecordLossReport(startSeq, endSeq uint16, bitmap []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lossStart = startSeq
	s.lossEnd = endSeq
	s.lossBitmap = bitmap
	s.haveLoss = true
}

// LastLossReport returns the most recently recorded loss report bitmap,
// if any.
func (s *ReceiverState) LastLossReport() (startSeq, endSeq uint16, bitmap []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossStart, s.lossEnd, s.lossBitmap, s.haveLoss
}

// Jitter returns the current RFC 3550 interarrival jitter estimate
// without consuming the interval counters BuildReportBlock resets; safe
// for a statistics reader to call independently of RTCP Receiver Report
// generation.
func (s *ReceiverState) Jitter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter
}

// ExtendedHighestSequenceNumber returns the current rollover-aware
// highest sequence number observed, without consuming BuildReportBlock's
// interval counters.
func (s *ReceiverState) ExtendedHighestSequenceNumber() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendedHighestSeq
}

// BuildReportBlock returns a ReportBlock summarizing reception from this
// source since the last call, given the current wallclock time in
// microseconds (used to compute DelaySinceLastSenderReport).
func (s *ReceiverState) BuildReportBlock(nowMicros uint64) ReportBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := uint64(s.extendedHighestSeq) + 1
	var expectedInterval, receivedInterval uint64
	if expected > s.expectedAtLastReport {
		expectedInterval = expected - s.expectedAtLastReport
	}
	if s.packetsReceived > s.receivedAtLastReport {
		receivedInterval = s.packetsReceived - s.receivedAtLastReport
	}

	var fractionLost float32
	var lostInterval int64
	if expectedInterval > 0 {
		lostInterval = int64(expectedInterval) - int64(receivedInterval)
		if lostInterval < 0 {
			lostInterval = 0
		}
		fractionLost = float32(lostInterval) / float32(expectedInterval)
	}

	s.expectedAtLastReport = expected
	s.receivedAtLastReport = s.packetsReceived

	var cumulativeLost int64
	if expected > s.packetsReceived {
		cumulativeLost = int64(expected) - int64(s.packetsReceived)
	}

	var delay uint32
	if s.haveSR && s.lastSRReceivedAt != 0 && nowMicros >= s.lastSRReceivedAt {
		elapsedMicros := nowMicros - s.lastSRReceivedAt
		// Units of 1/65536 seconds, per RFC 3550's DLSR field.
		delay = uint32((elapsedMicros << 16) / 1000000)
	}

	var lastSR uint32
	if s.haveSR {
		lastSR = s.lastSRNTPMiddle
	}

	return ReportBlock{
		SSRC:                          s.ssrc,
		FractionLost:                  fractionLost,
		CumulativeLost:                int32(cumulativeLost),
		ExtendedHighestSequenceNumber: s.extendedHighestSeq,
		Jitter:                        s.jitter,
		LastSenderReport:              lastSR,
		DelaySinceLastSenderReport:    delay,
	}
}

// RoundTripMicros estimates the round-trip time to the sender described
// by report, given the local wallclock time (microseconds, same epoch as
// the Sender Reports this process generates) at which report arrived.
// Returns ok=false if report carries no LastSenderReport correlation
// (i.e. no Sender Report has been received yet). See RFC 3550 appendix
// A.8.
func RoundTripMicros(report ReportBlock, arrivedAtMicros uint64) (rtt int64, ok bool) {
	if report.LastSenderReport == 0 {
		return 0, false
	}

	arrivalMiddle := uint32(toWireNTP(arrivedAtMicros) >> 16)
	// LSR, DLSR and arrivalMiddle are all in units of 1/65536 seconds.
	roundTripNTPUnits := arrivalMiddle - report.LastSenderReport - report.DelaySinceLastSenderReport
	rtt = (int64(roundTripNTPUnits) * 1000000) >> 16
	return rtt, true
}
