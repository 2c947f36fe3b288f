// Package filter implements the H.264 access-unit assembler: it groups
// NAL units received (in FIFO order, not necessarily RTP send order) into
// access units, tracks SPS/PPS synchronization, and optionally conceals
// loss by synthesizing gray I-slices and skipped P-slices.
//
// Grounded on spec.md 4.4; there is no equivalent component in the
// teacher repo (alohartc consumes/produces raw NAL units without
// AU-level framing), so this package follows the teacher's general
// shape for stateful, mutex-guarded, callback-driven components
// (compare internal/rtp.Session's callback-trampoline style) rather
// than adapting one specific teacher file.
package filter

import (
	"sync"

	"github.com/lanikai/beaverstream/internal/h264"
	"github.com/lanikai/beaverstream/internal/logging"
)

var log = logging.DefaultLogger.WithTag("filter")

// Config holds the concealment and output policies from spec.md 6's
// configuration options.
type Config struct {
	WaitForSync                  bool
	OutputIncompleteAU            bool
	FilterOutSpsPps               bool
	FilterOutSei                  bool
	ReplaceStartCodesWithNaluSize bool
	GenerateSkippedPSlices        bool
	GenerateFirstGrayIFrame       bool
}

// Input is one NAL unit handed to the filter by the depacketizer (C3),
// carrying the metadata the AU assembler needs.
type Input struct {
	NALU h264.NALU

	Timestamp              uint32
	Marker                 bool
	ExtendedSequenceNumber uint64

	// Discontinuous is true when a sequence number gap was observed
	// immediately before this NAL unit.
	Discontinuous bool
}

// NALRange locates one NAL unit's bytes within an AU's buffer. The range
// includes the 4-byte start code or length prefix written ahead of the NAL
// unit.
type NALRange struct {
	Offset int
	Length int
}

// AU is a completed (or forcibly closed) access unit.
type AU struct {
	Buffer []byte
	Units  []NALRange

	Timestamp uint32

	// Sync is true iff a valid SPS+PPS pair had been seen before this AU's
	// slice data was gathered (an SPS+PPS carried inside the AU counts).
	Sync bool

	// Complete is false when the AU was closed with a detected gap,
	// missing start, or missing end-of-AU marker, and OutputIncompleteAU
	// is true (otherwise such AUs are dropped rather than surfaced at
	// all).
	Complete bool

	// Synthesized is true for AUs the filter generated itself
	// (concealment), rather than assembled from received NAL units.
	Synthesized bool

	Cookie any
}

// SPSPPSFunc is invoked once per SPS/PPS generation change.
type SPSPPSFunc func(sps *h264.SPS, pps *h264.PPS)

// GetAUBufferFunc supplies a writable buffer (and an opaque cookie the
// filter attaches to the resulting AU) for the next access unit.
type GetAUBufferFunc func() (buffer []byte, cookie any)

// AUReadyFunc is invoked when an access unit closes.
type AUReadyFunc func(au AU)

// Filter assembles a stream of NAL units (spec.md 3's "NAL Unit" items,
// delivered via Consume in FIFO order) into access units.
type Filter struct {
	cfg    Config
	writer h264.Writer

	onSPSPPS  SPSPPSFunc
	getBuffer GetAUBufferFunc
	onAUReady AUReadyFunc

	// ctxMu guards the SPS/PPS context (spec.md 3 "SPS/PPS context",
	// spec.md 5's dedicated-mutex requirement: read by this package and
	// potentially by external threads via SPSPPS()).
	ctxMu      sync.Mutex
	sps        *h264.SPS
	pps        *h264.PPS
	generation int

	// Assembly state; touched only by Consume, which the orchestrator
	// must serialize onto a single filter thread per spec.md 4.7.
	current *building

	haveLastSeq bool
	lastSeq     uint64

	prevSawSlice bool
	prevWasIDR   bool

	grayIFrameSent bool
}

type building struct {
	buf       []byte
	cookie    any
	used      int
	units     []NALRange
	timestamp uint32
	sync      bool
	complete  bool
	sawMarker bool
	sawGap    bool
}

// New constructs a Filter. writer may be nil if neither concealment
// option in cfg is enabled; New panics if a concealment option is
// enabled with a nil writer, since concealment would silently never
// fire otherwise (spec.md 4.4: "if absent, concealment is silently
// skipped" applies to missing SPS/PPS context, not to a missing writer
// service, which is a configuration error).
func New(cfg Config, writer h264.Writer, onSPSPPS SPSPPSFunc, getBuffer GetAUBufferFunc, onAUReady AUReadyFunc) *Filter {
	if (cfg.GenerateFirstGrayIFrame || cfg.GenerateSkippedPSlices) && writer == nil {
		panic("filter: concealment enabled but no Writer provided")
	}
	return &Filter{
		cfg:       cfg,
		writer:    writer,
		onSPSPPS:  onSPSPPS,
		getBuffer: getBuffer,
		onAUReady: onAUReady,
	}
}

// SPSPPS returns the most recently observed SPS/PPS pair and the
// generation counter they belong to. Safe to call from any goroutine.
func (f *Filter) SPSPPS() (sps *h264.SPS, pps *h264.PPS, generation int) {
	f.ctxMu.Lock()
	defer f.ctxMu.Unlock()
	return f.sps, f.pps, f.generation
}

func (f *Filter) synced() bool {
	f.ctxMu.Lock()
	defer f.ctxMu.Unlock()
	return f.sps != nil && f.pps != nil
}

// Consume feeds one NAL unit into the assembler. It must be called from
// a single goroutine (spec.md 4.7's filter thread); callbacks fire
// synchronously from within Consume, with no filter lock held (spec.md
// 5's "no lock is held across a user callback").
func (f *Filter) Consume(in Input) error {
	justSynced, err := f.trackParameterSets(in.NALU)
	if err != nil {
		log.Debug("ignoring unparseable parameter set: %v", err)
	}

	if f.cfg.WaitForSync && !f.synced() {
		return nil
	}

	if justSynced && f.cfg.GenerateFirstGrayIFrame && !f.grayIFrameSent {
		f.grayIFrameSent = true
		if err := f.synthesizeGrayIFrame(in.Timestamp); err != nil {
			log.Warn("failed to synthesize gray I-frame: %v", err)
		}
	}

	if in.Discontinuous && f.cfg.GenerateSkippedPSlices && f.current == nil {
		if err := f.synthesizeSkippedPSlice(in.Timestamp); err != nil {
			log.Debug("failed to synthesize skipped P-slice: %v", err)
		}
	}

	if f.haveLastSeq && in.ExtendedSequenceNumber <= f.lastSeq {
		// Duplicate NAL unit (spec.md 4.4's "duplicate NAL units ...
		// are dropped").
		return nil
	}
	f.haveLastSeq = true
	f.lastSeq = in.ExtendedSequenceNumber

	startsNew := f.current != nil && in.NALU.StartsNewAccessUnit(f.prevWasIDR, f.prevSawSlice)
	timestampChanged := f.current != nil && in.Timestamp != f.current.timestamp
	if startsNew || timestampChanged {
		f.closeAU(f.current.sawMarker)
	}

	if f.current == nil {
		f.startAU(in.Timestamp)
	}
	if !f.current.sync && f.synced() {
		// SPS+PPS completed inside this AU, ahead of its slice data.
		f.current.sync = true
	}

	// Must run after startAU: a discontinuity detected on the NAL unit
	// that both closes the previous AU and opens this one is a missing
	// start for the new AU, not the one just closed.
	if in.Discontinuous {
		f.current.sawGap = true
	}

	if err := f.appendNALU(in.NALU); err != nil {
		log.Debug("dropping NAL unit: %v", err)
		f.current.sawGap = true
	} else if in.NALU.IsSlice() {
		f.prevSawSlice = true
		f.prevWasIDR = in.NALU.IsIDR()
	}

	if in.Marker {
		f.current.sawMarker = true
		f.closeAU(true)
	}

	return nil
}

// Flush forcibly closes any in-progress AU, e.g. on stream teardown.
func (f *Filter) Flush() {
	if f.current != nil {
		f.closeAU(false)
	}
}

func (f *Filter) trackParameterSets(nalu h264.NALU) (justSynced bool, err error) {
	switch nalu.Type() {
	case h264.TypeSPS:
		sps, perr := h264.ParseSPS(nalu)
		if perr != nil {
			return false, perr
		}
		f.ctxMu.Lock()
		changed := !f.sps.Equal(sps)
		wasSynced := f.sps != nil && f.pps != nil
		if changed {
			f.sps = sps
			f.generation++
		}
		nowSynced := f.sps != nil && f.pps != nil
		pps := f.pps
		f.ctxMu.Unlock()
		if changed && nowSynced && f.onSPSPPS != nil {
			f.onSPSPPS(sps, pps)
		}
		return !wasSynced && nowSynced, nil

	case h264.TypePPS:
		f.ctxMu.Lock()
		sps := f.sps
		f.ctxMu.Unlock()

		pps, perr := h264.ParsePPS(nalu, sps)
		if perr != nil {
			return false, perr
		}
		f.ctxMu.Lock()
		changed := !f.pps.Equal(pps)
		wasSynced := f.sps != nil && f.pps != nil
		if changed {
			f.pps = pps
			f.generation++
		}
		nowSynced := f.sps != nil && f.pps != nil
		spsNow := f.sps
		f.ctxMu.Unlock()
		if changed && nowSynced && f.onSPSPPS != nil {
			f.onSPSPPS(spsNow, pps)
		}
		return !wasSynced && nowSynced, nil
	}
	return false, nil
}

func (f *Filter) startAU(timestamp uint32) {
	buf, cookie := f.getBuffer()
	f.current = &building{
		buf:       buf,
		cookie:    cookie,
		timestamp: timestamp,
		sync:      f.synced(),
	}
}

func (f *Filter) appendNALU(nalu h264.NALU) error {
	b := f.current

	suppress := (nalu.Type() == h264.TypeSPS || nalu.Type() == h264.TypePPS) && f.cfg.FilterOutSpsPps
	suppress = suppress || (nalu.Type() == h264.TypeSEI && f.cfg.FilterOutSei)
	if suppress {
		return nil
	}

	var out []byte
	if f.cfg.ReplaceStartCodesWithNaluSize {
		out = nalu.AppendLengthPrefixed(b.buf[b.used:b.used])
	} else {
		out = nalu.AppendAnnexB(b.buf[b.used:b.used])
	}

	offset := b.used
	n := copy(b.buf[b.used:cap(b.buf)], out)
	if n < len(out) {
		return errBufferTooSmall
	}
	b.units = append(b.units, NALRange{Offset: offset, Length: n})
	b.used += n
	return nil
}

func (f *Filter) closeAU(sawMarker bool) {
	b := f.current
	f.current = nil
	f.prevSawSlice = false
	f.prevWasIDR = false

	complete := sawMarker && !b.sawGap
	if !complete && !f.cfg.OutputIncompleteAU {
		return
	}

	if f.onAUReady != nil {
		f.onAUReady(AU{
			Buffer:    b.buf[:b.used],
			Units:     b.units,
			Timestamp: b.timestamp,
			Sync:      b.sync,
			Complete:  complete,
			Cookie:    b.cookie,
		})
	}
}

func (f *Filter) synthesizeGrayIFrame(timestamp uint32) error {
	sps, pps, _ := f.SPSPPS()
	if sps == nil || pps == nil {
		return nil
	}
	mbW, mbH := h264.GetPictureMbDims(sps)

	nalu, err := f.writer.WriteGrayISlice(mbW, mbH, sps, pps)
	if err != nil {
		return err
	}
	sei, err := f.writer.WriteSEINalu([]byte("recovery-point"))
	if err != nil {
		return err
	}

	buf, cookie := f.getBuffer()
	b := &building{buf: buf, cookie: cookie, timestamp: timestamp, sync: true}
	f.current = b
	if err := f.appendNALU(nalu); err != nil {
		f.current = nil
		return err
	}
	if err := f.appendNALU(sei); err != nil {
		f.current = nil
		return err
	}
	f.closeSynthesized()
	return nil
}

func (f *Filter) synthesizeSkippedPSlice(timestamp uint32) error {
	sps, pps, _ := f.SPSPPS()
	if sps == nil || pps == nil {
		// spec.md 4.4: concealment requires valid context; if absent,
		// it is silently skipped.
		return nil
	}
	mbW, mbH := h264.GetPictureMbDims(sps)

	nalu, err := f.writer.WriteSkippedPSlice(mbW, mbH, sps, pps)
	if err != nil {
		return err
	}

	buf, cookie := f.getBuffer()
	b := &building{buf: buf, cookie: cookie, timestamp: timestamp, sync: true}
	f.current = b
	if err := f.appendNALU(nalu); err != nil {
		f.current = nil
		return err
	}
	f.closeSynthesized()
	return nil
}

func (f *Filter) closeSynthesized() {
	b := f.current
	f.current = nil
	if f.onAUReady != nil {
		f.onAUReady(AU{
			Buffer:      b.buf[:b.used],
			Units:       b.units,
			Timestamp:   b.timestamp,
			Sync:        b.sync,
			Complete:    true,
			Synthesized: true,
			Cookie:      b.cookie,
		})
	}
}

var errBufferTooSmall = bufferTooSmallError{}

type bufferTooSmallError struct{}

func (bufferTooSmallError) Error() string {
	return "filter: AU buffer too small for NAL unit"
}
