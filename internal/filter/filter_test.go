package filter

import (
	"testing"

	"github.com/lanikai/beaverstream/internal/h264"
)

// A minimal baseline-profile (profile_idc 66) SPS: seq_parameter_set_id=0,
// log2_max_frame_num_minus4=0, pic_order_cnt_type=2, max_num_ref_frames=1,
// gaps_in_frame_num_value_allowed_flag=0, pic_width_in_mbs_minus1=10 (11
// macroblocks, 176px), pic_height_in_map_units_minus1=8 (9 map units,
// 144px), frame_mbs_only_flag=1. Hand-traced bit by bit against ParseSPS.
var testSPS = h264.NALU{0x67, 0x42, 0x00, 0x1e, 0xda, 0x0b, 0x13}

// A minimal PPS: pic_parameter_set_id=0, seq_parameter_set_id=0.
var testPPS = h264.NALU{0x68, 0xc0}

func idrSlice() h264.NALU    { return h264.NALU{0x65, 0x00} }
func nonIDRSlice() h264.NALU { return h264.NALU{0x61, 0x00} }

type recorder struct {
	aus []AU
}

func (r *recorder) onAUReady(au AU) { r.aus = append(r.aus, au) }

func getBuffer() ([]byte, any) {
	return make([]byte, 0, 4096), nil
}

func newTestFilter(cfg Config, writer h264.Writer) (*Filter, *recorder) {
	r := &recorder{}
	f := New(cfg, writer, nil, getBuffer, r.onAUReady)
	return f, r
}

func TestFilterGathersSingleAccessUnit(t *testing.T) {
	f, r := newTestFilter(Config{}, nil)

	seq := uint64(0)
	feed := func(nalu h264.NALU, ts uint32, marker bool) {
		seq++
		f.Consume(Input{NALU: nalu, Timestamp: ts, Marker: marker, ExtendedSequenceNumber: seq})
	}

	feed(testSPS, 1000, false)
	feed(testPPS, 1000, false)
	feed(idrSlice(), 1000, true)

	if len(r.aus) != 1 {
		t.Fatalf("got %d access units, want 1", len(r.aus))
	}
	au := r.aus[0]
	if !au.Complete {
		t.Error("AU should be marked complete on marker bit")
	}
	if !au.Sync {
		t.Error("AU should be marked synced: SPS+PPS preceded it")
	}
	if len(au.Units) != 3 {
		t.Fatalf("got %d NAL units in AU, want 3", len(au.Units))
	}
}

func TestFilterClosesOnTimestampChange(t *testing.T) {
	f, r := newTestFilter(Config{OutputIncompleteAU: true}, nil)

	seq := uint64(0)
	feed := func(nalu h264.NALU, ts uint32, marker bool) {
		seq++
		f.Consume(Input{NALU: nalu, Timestamp: ts, Marker: marker, ExtendedSequenceNumber: seq})
	}

	feed(testSPS, 0, false)
	feed(testPPS, 0, false)
	feed(idrSlice(), 0, false) // no marker bit on this stream
	feed(nonIDRSlice(), 1000, false)

	if len(r.aus) != 1 {
		t.Fatalf("got %d access units after timestamp change, want 1", len(r.aus))
	}
	if r.aus[0].Timestamp != 0 {
		t.Errorf("closed AU timestamp = %d, want 0", r.aus[0].Timestamp)
	}
	if r.aus[0].Complete {
		t.Error("AU closed by timestamp change with no marker bit should be incomplete")
	}
	if len(r.aus[0].Units) != 3 {
		t.Errorf("got %d NAL units, want 3 (SPS, PPS, IDR slice)", len(r.aus[0].Units))
	}
}

func TestFilterWaitForSyncDropsUntilParameterSets(t *testing.T) {
	f, r := newTestFilter(Config{WaitForSync: true}, nil)

	seq := uint64(0)
	feed := func(nalu h264.NALU, ts uint32, marker bool) {
		seq++
		f.Consume(Input{NALU: nalu, Timestamp: ts, Marker: marker, ExtendedSequenceNumber: seq})
	}

	feed(idrSlice(), 0, true)
	if len(r.aus) != 0 {
		t.Fatalf("got %d access units before sync, want 0", len(r.aus))
	}

	feed(testSPS, 1000, false)
	feed(testPPS, 1000, false)
	feed(idrSlice(), 1000, true)

	if len(r.aus) != 1 {
		t.Fatalf("got %d access units after sync, want 1", len(r.aus))
	}
}

func TestFilterOutSpsPps(t *testing.T) {
	f, r := newTestFilter(Config{FilterOutSpsPps: true}, nil)

	seq := uint64(0)
	feed := func(nalu h264.NALU, ts uint32, marker bool) {
		seq++
		f.Consume(Input{NALU: nalu, Timestamp: ts, Marker: marker, ExtendedSequenceNumber: seq})
	}

	feed(testSPS, 0, false)
	feed(testPPS, 0, false)
	feed(idrSlice(), 0, true)

	if len(r.aus) != 1 {
		t.Fatalf("got %d access units, want 1", len(r.aus))
	}
	if len(r.aus[0].Units) != 1 {
		t.Fatalf("got %d NAL units with FilterOutSpsPps, want 1 (slice only)", len(r.aus[0].Units))
	}
}

func TestFilterDropsDuplicateSequenceNumbers(t *testing.T) {
	f, r := newTestFilter(Config{}, nil)

	f.Consume(Input{NALU: testSPS, Timestamp: 0, ExtendedSequenceNumber: 1})
	f.Consume(Input{NALU: testPPS, Timestamp: 0, ExtendedSequenceNumber: 2})
	f.Consume(Input{NALU: idrSlice(), Timestamp: 0, Marker: true, ExtendedSequenceNumber: 3})
	// Retransmission of the same slice, e.g. via a resender: must not
	// start a second access unit.
	f.Consume(Input{NALU: idrSlice(), Timestamp: 0, Marker: true, ExtendedSequenceNumber: 3})

	if len(r.aus) != 1 {
		t.Fatalf("got %d access units, want 1 (duplicate should be dropped)", len(r.aus))
	}
}

func TestFilterGeneratesFirstGrayIFrameOnSync(t *testing.T) {
	cfg := Config{
		WaitForSync:             true,
		GenerateFirstGrayIFrame: true,
	}
	f, r := newTestFilter(cfg, h264.NullWriter{})

	f.Consume(Input{NALU: testSPS, Timestamp: 0, ExtendedSequenceNumber: 1})
	f.Consume(Input{NALU: testPPS, Timestamp: 0, ExtendedSequenceNumber: 2})

	if len(r.aus) == 0 {
		t.Fatal("expected a synthesized gray I-frame access unit once sync completed")
	}
	synth := r.aus[0]
	if !synth.Synthesized {
		t.Error("first AU after sync should be marked Synthesized")
	}
	if !synth.Complete {
		t.Error("synthesized AU should be marked complete")
	}
	if len(synth.Units) != 2 { // gray I-slice + recovery-point SEI
		t.Errorf("got %d NAL units in synthesized AU, want 2", len(synth.Units))
	}
}

func TestFilterSPSPPSCallbackFiresOnce(t *testing.T) {
	var calls int
	var lastSPS *h264.SPS
	onSPSPPS := func(sps *h264.SPS, pps *h264.PPS) {
		calls++
		lastSPS = sps
	}

	f := New(Config{}, nil, onSPSPPS, getBuffer, func(AU) {})

	f.Consume(Input{NALU: testSPS, Timestamp: 0, ExtendedSequenceNumber: 1})
	if calls != 0 {
		t.Fatalf("callback should not fire until both SPS and PPS are known, got %d calls", calls)
	}

	f.Consume(Input{NALU: testPPS, Timestamp: 0, ExtendedSequenceNumber: 2})
	if calls != 1 {
		t.Fatalf("got %d SPS/PPS callback calls, want 1", calls)
	}
	if lastSPS == nil || lastSPS.ProfileIDC != 66 {
		t.Errorf("callback SPS ProfileIDC = %v, want 66", lastSPS)
	}

	// Re-sending the identical SPS/PPS must not bump the generation or
	// re-fire the callback.
	f.Consume(Input{NALU: testSPS, Timestamp: 1000, ExtendedSequenceNumber: 3})
	f.Consume(Input{NALU: testPPS, Timestamp: 1000, ExtendedSequenceNumber: 4})
	if calls != 1 {
		t.Errorf("got %d SPS/PPS callback calls after resending identical data, want 1", calls)
	}
}

func TestFilterDiscontinuityOnNewAUsFirstNALMarksIncomplete(t *testing.T) {
	f, r := newTestFilter(Config{OutputIncompleteAU: true}, nil)

	seq := uint64(0)
	feed := func(nalu h264.NALU, ts uint32, marker, discontinuous bool) {
		seq++
		f.Consume(Input{NALU: nalu, Timestamp: ts, Marker: marker, ExtendedSequenceNumber: seq, Discontinuous: discontinuous})
	}

	feed(testSPS, 0, false, false)
	feed(testPPS, 0, false, false)
	feed(idrSlice(), 0, true, false)

	if len(r.aus) != 1 || !r.aus[0].Complete {
		t.Fatalf("setup: expected one complete AU before the gap, got %+v", r.aus)
	}

	// A gap was detected immediately before this NAL unit, which is both
	// the first NAL unit of the next access unit (new timestamp) and the
	// one that closes the previous one. The gap belongs to the new AU's
	// missing start, not to the AU that just closed.
	feed(nonIDRSlice(), 1000, true, true)

	if len(r.aus) != 2 {
		t.Fatalf("got %d access units, want 2", len(r.aus))
	}
	if !r.aus[0].Complete {
		t.Error("first AU should remain complete: the gap preceded it, not a NAL unit inside it")
	}
	if r.aus[1].Complete {
		t.Error("second AU should be marked incomplete: its first NAL unit arrived after a detected gap")
	}
}

func TestFilterSPSPPSAccessor(t *testing.T) {
	f := New(Config{}, nil, nil, getBuffer, func(AU) {})

	if sps, pps, gen := f.SPSPPS(); sps != nil || pps != nil || gen != 0 {
		t.Fatal("expected no SPS/PPS before any has been seen")
	}

	f.Consume(Input{NALU: testSPS, Timestamp: 0, ExtendedSequenceNumber: 1})
	f.Consume(Input{NALU: testPPS, Timestamp: 0, ExtendedSequenceNumber: 2})

	sps, pps, gen := f.SPSPPS()
	if sps == nil || pps == nil {
		t.Fatal("expected both SPS and PPS to be populated")
	}
	if gen == 0 {
		t.Error("generation counter should have advanced past 0")
	}
}
