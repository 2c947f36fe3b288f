package rtpio

import (
	"bytes"
	"testing"

	"github.com/lanikai/beaverstream/internal/h264"
)

func mustPacketizer(t *testing.T, mtu int) *Packetizer {
	t.Helper()
	p, err := NewPacketizer(PacketizerConfig{PayloadType: 96, SSRC: 0x12345678, MTU: mtu})
	if err != nil {
		t.Fatalf("NewPacketizer() error = %v", err)
	}
	return p
}

func TestPacketizeSingleNALUFitsMTU(t *testing.T) {
	p := mustPacketizer(t, 1280)

	nalu := h264.NALU(append([]byte{byte(h264.TypeSliceIDR) | 0x60}, bytes.Repeat([]byte{0xab}, 100)...))

	packets, err := p.Packetize(nalu, 90000, true)
	if err != nil {
		t.Fatalf("Packetize() error = %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}

	d := NewDepacketizer()
	got, _, err := d.Unmarshal(packets[0].Wire)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if !bytes.Equal(got[0].NALU, nalu) {
		t.Fatalf("NALU mismatch: got %x want %x", got[0].NALU, nalu)
	}
	if !got[0].Marker {
		t.Fatal("expected marker bit set")
	}
}

func TestPacketizeFragmentsLargeNALU(t *testing.T) {
	p := mustPacketizer(t, 64)

	payload := bytes.Repeat([]byte{0x42}, 500)
	nalu := h264.NALU(append([]byte{byte(h264.TypeSliceNonIDR) | 0x40}, payload...))

	packets, err := p.Packetize(nalu, 90000, true)
	if err != nil {
		t.Fatalf("Packetize() error = %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected fragmentation into multiple packets, got %d", len(packets))
	}

	d := NewDepacketizer()
	var reassembled h264.NALU
	for i, pkt := range packets {
		got, _, err := d.Unmarshal(pkt.Wire)
		if err != nil {
			t.Fatalf("Unmarshal() packet %d error = %v", i, err)
		}
		if i < len(packets)-1 {
			if len(got) != 0 {
				t.Fatalf("packet %d: expected no completed NALU yet, got %d", i, len(got))
			}
			continue
		}
		if len(got) != 1 {
			t.Fatalf("final packet: expected 1 completed NALU, got %d", len(got))
		}
		reassembled = got[0].NALU
	}

	if !bytes.Equal(reassembled, nalu) {
		t.Fatalf("reassembled NALU mismatch: got %d bytes want %d bytes", len(reassembled), len(nalu))
	}
}

func TestPacketizeAggregatesParameterSets(t *testing.T) {
	p := mustPacketizer(t, 1280)

	sps := h264.NALU{byte(h264.TypeSPS), 0x01, 0x02, 0x03}
	pps := h264.NALU{byte(h264.TypePPS), 0x04, 0x05}
	slice := h264.NALU(append([]byte{byte(h264.TypeSliceIDR) | 0x60}, bytes.Repeat([]byte{0x09}, 20)...))

	packets, err := p.Packetize(sps, 90000, false)
	if err != nil {
		t.Fatalf("Packetize(sps) error = %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected SPS held back, got %d packets", len(packets))
	}

	packets, err = p.Packetize(pps, 90000, false)
	if err != nil {
		t.Fatalf("Packetize(pps) error = %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected PPS held back, got %d packets", len(packets))
	}

	packets, err = p.Packetize(slice, 90000, true)
	if err != nil {
		t.Fatalf("Packetize(slice) error = %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2 (STAP-A then slice)", len(packets))
	}

	d := NewDepacketizer()
	got, _, err := d.Unmarshal(packets[0].Wire)
	if err != nil {
		t.Fatalf("Unmarshal(stap) error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 NAL units out of STAP-A", len(got))
	}
	if !bytes.Equal(got[0].NALU, sps) {
		t.Fatalf("first aggregated NALU = %x, want %x (sps)", got[0].NALU, sps)
	}
	if !bytes.Equal(got[1].NALU, pps) {
		t.Fatalf("second aggregated NALU = %x, want %x (pps)", got[1].NALU, pps)
	}

	got, _, err = d.Unmarshal(packets[1].Wire)
	if err != nil {
		t.Fatalf("Unmarshal(slice) error = %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0].NALU, slice) {
		t.Fatalf("slice NALU mismatch: got %v", got)
	}
}

func TestDepacketizerDetectsSequenceGap(t *testing.T) {
	p := mustPacketizer(t, 1280)
	d := NewDepacketizer()

	nalu1 := h264.NALU{byte(h264.TypeSliceNonIDR) | 0x40, 0x01}
	nalu2 := h264.NALU{byte(h264.TypeSliceNonIDR) | 0x40, 0x02}
	nalu3 := h264.NALU{byte(h264.TypeSliceNonIDR) | 0x40, 0x03}

	packets := make([]Packet, 0, 3)
	for _, n := range []h264.NALU{nalu1, nalu2, nalu3} {
		pkts, err := p.Packetize(n, 90000, true)
		if err != nil {
			t.Fatalf("Packetize() error = %v", err)
		}
		packets = append(packets, pkts...)
	}

	if _, _, err := d.Unmarshal(packets[0].Wire); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	// Simulate loss of the second packet.
	got, loss, err := d.Unmarshal(packets[2].Wire)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if !got[0].Discontinuous {
		t.Fatal("expected Discontinuous = true after a sequence gap")
	}
	if d.Stats().PacketsLost != 1 {
		t.Fatalf("PacketsLost = %d, want 1", d.Stats().PacketsLost)
	}

	// spec.md 9 scenario 3: loss report bitmap has the bit for the
	// dropped sequence number cleared, and the surrounding received
	// sequence numbers set.
	if loss == nil {
		t.Fatal("expected a flushed loss report after the gap")
	}
	if loss.StartSeqNum != packets[0].Sequence || loss.EndSeqNum != packets[2].Sequence {
		t.Fatalf("loss report span = [%d,%d], want [%d,%d]", loss.StartSeqNum, loss.EndSeqNum, packets[0].Sequence, packets[2].Sequence)
	}
	if !loss.Received(packets[0].Sequence) {
		t.Error("expected bit set for the first received sequence number")
	}
	if loss.Received(packets[1].Sequence) {
		t.Error("expected bit cleared for the dropped sequence number")
	}
	if !loss.Received(packets[2].Sequence) {
		t.Error("expected bit set for the sequence number that closed the gap")
	}
}
