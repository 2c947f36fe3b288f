package rtcp

import "testing"

func TestSenderReportRoundTrip(t *testing.T) {
	s := NewSenderState(0xaabbccdd, 90000, 12345)
	s.OnPacketSent(100)
	s.OnPacketSent(200)

	sr := s.GenerateSenderReport(1700000000, 500000000)

	wire, err := sr.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalSenderReport(wire)
	if err != nil {
		t.Fatalf("UnmarshalSenderReport() error = %v", err)
	}

	if got.SSRC != sr.SSRC {
		t.Errorf("SSRC = %x, want %x", got.SSRC, sr.SSRC)
	}
	if got.NTPTimestamp != sr.NTPTimestamp {
		t.Errorf("NTPTimestamp = %d, want %d", got.NTPTimestamp, sr.NTPTimestamp)
	}
	if got.RTPTimestamp != sr.RTPTimestamp {
		t.Errorf("RTPTimestamp = %d, want %d", got.RTPTimestamp, sr.RTPTimestamp)
	}
	if got.PacketCount != 2 {
		t.Errorf("PacketCount = %d, want 2", got.PacketCount)
	}
	if got.OctetCount != 300 {
		t.Errorf("OctetCount = %d, want 300", got.OctetCount)
	}
}

func TestSenderReportToleratesTrailingExtensionBytes(t *testing.T) {
	// spec.md 9: a well-formed SR may carry extension report blocks or
	// other trailing bytes past Count report blocks; UnmarshalSenderReport
	// must skip them rather than rejecting the packet as malformed.
	s := NewSenderState(0xaabbccdd, 90000, 0)
	s.OnPacketSent(10)
	sr := s.GenerateSenderReport(1700000000, 0)

	wire, err := sr.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	extra := []byte{0xde, 0xad, 0xbe, 0xef}
	wire = append(wire, extra...)
	// Length is in 32-bit words, minus one; account for the extra word.
	wire[2] = 0
	wire[3] = byte((headerSize+senderInfoSize)/4 - 1 + len(extra)/4)

	got, err := UnmarshalSenderReport(wire)
	if err != nil {
		t.Fatalf("UnmarshalSenderReport() with trailing bytes error = %v", err)
	}
	if got.SSRC != sr.SSRC {
		t.Errorf("SSRC = %x, want %x", got.SSRC, sr.SSRC)
	}
	if got.PacketCount != 1 {
		t.Errorf("PacketCount = %d, want 1", got.PacketCount)
	}
}

func TestUnmarshalSenderReportRejectsShortLength(t *testing.T) {
	s := NewSenderState(1, 90000, 0)
	sr := s.GenerateSenderReport(0, 0)
	wire, err := sr.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Claim a length shorter than the sender-info block requires.
	wire[3] = 2

	if _, err := UnmarshalSenderReport(wire); err == nil {
		t.Fatal("expected an error for a length field too short for the sender info block")
	}
}

func TestSenderReportRTPTimestampRounding(t *testing.T) {
	// 500ms at a 90kHz clock should be exactly 45000 ticks; verify the
	// "add half, integer-divide" rounding doesn't introduce drift on an
	// exact boundary.
	s := NewSenderState(1, 90000, 0)
	sr := s.GenerateSenderReport(0, 500000000)
	if sr.RTPTimestamp != 45000 {
		t.Errorf("RTPTimestamp = %d, want 45000", sr.RTPTimestamp)
	}
}

func TestReceiverReportRoundTrip(t *testing.T) {
	rr := &ReceiverReport{
		SSRC: 0x11223344,
		Reports: []ReportBlock{
			{
				SSRC:                          0x55667788,
				FractionLost:                  0.5,
				CumulativeLost:                -3,
				ExtendedHighestSequenceNumber: 0x00010005,
				Jitter:                        42,
				LastSenderReport:              0xdeadbeef,
				DelaySinceLastSenderReport:    1000,
			},
		},
	}

	wire, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := UnmarshalReceiverReport(wire)
	if err != nil {
		t.Fatalf("UnmarshalReceiverReport() error = %v", err)
	}

	if got.SSRC != rr.SSRC {
		t.Errorf("SSRC = %x, want %x", got.SSRC, rr.SSRC)
	}
	if len(got.Reports) != 1 {
		t.Fatalf("len(Reports) = %d, want 1", len(got.Reports))
	}
	gotReport := got.Reports[0]
	wantReport := rr.Reports[0]
	if gotReport.CumulativeLost != wantReport.CumulativeLost {
		t.Errorf("CumulativeLost = %d, want %d", gotReport.CumulativeLost, wantReport.CumulativeLost)
	}
	if gotReport.ExtendedHighestSequenceNumber != wantReport.ExtendedHighestSequenceNumber {
		t.Errorf("ExtendedHighestSequenceNumber = %x, want %x",
			gotReport.ExtendedHighestSequenceNumber, wantReport.ExtendedHighestSequenceNumber)
	}
	if gotReport.Jitter != wantReport.Jitter {
		t.Errorf("Jitter = %d, want %d", gotReport.Jitter, wantReport.Jitter)
	}
}

func TestReceiverStateJitterAccumulates(t *testing.T) {
	s := NewReceiverState(1)

	// Perfectly regular arrivals: transit stays constant, jitter stays 0.
	s.OnPacketReceived(1, 0, 1000)
	s.OnPacketReceived(2, 3000, 4000)
	s.OnPacketReceived(3, 6000, 7000)

	block := s.BuildReportBlock(0)
	if block.Jitter != 0 {
		t.Errorf("Jitter = %d, want 0 for perfectly regular arrivals", block.Jitter)
	}

	// An arrival with irregular spacing should push jitter above zero.
	s.OnPacketReceived(4, 9000, 20000)
	block = s.BuildReportBlock(0)
	if block.Jitter == 0 {
		t.Error("expected nonzero Jitter after an irregular arrival")
	}
}

func TestReceiverStateExtendedSequenceTracksRollover(t *testing.T) {
	s := NewReceiverState(1)
	s.OnPacketReceived(0xfffe, 0, 0)
	s.OnPacketReceived(0x0002, 0, 0)

	block := s.BuildReportBlock(0)
	want := uint32(0x10002)
	if block.ExtendedHighestSequenceNumber != want {
		t.Errorf("ExtendedHighestSequenceNumber = %x, want %x", block.ExtendedHighestSequenceNumber, want)
	}
}

func TestDJBEstimatorReport(t *testing.T) {
	e := NewDJBEstimator(200)
	e.AddSample(150)
	e.AddSample(300)
	e.AddSample(180)

	report := e.Report(90000)
	if report.Nominal != 200 {
		t.Errorf("Nominal = %d, want 200", report.Nominal)
	}
	if report.LowWatermark != 150 {
		t.Errorf("LowWatermark = %d, want 150", report.LowWatermark)
	}
	if report.HighWatermark != 300 {
		t.Errorf("HighWatermark = %d, want 300", report.HighWatermark)
	}
}
