// Package orchestrator wires the stream, control, and filter threads
// together (C7): it owns their lifecycle (init/start/pause/stop) and the
// NAL-unit FIFO between the stream thread and the filter thread.
//
// Grounded on the teacher's internal/rtp.Session.readLoop for the
// blocking-socket-read goroutine shape, generalized to the three
// independent threads spec.md 4.7 requires (stream, control, filter)
// and the bounded-FIFO handoff between stream and filter spec.md 5
// requires instead of the teacher's direct dispatch-by-SSRC.
package orchestrator

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanikai/beaverstream/internal/fifo"
	"github.com/lanikai/beaverstream/internal/filter"
	"github.com/lanikai/beaverstream/internal/logging"
	"github.com/lanikai/beaverstream/internal/rtcp"
	"github.com/lanikai/beaverstream/internal/rtpio"
)

var log = logging.DefaultLogger.WithTag("orchestrator")

// StreamTransport is the datagram socket the stream thread blocks on.
type StreamTransport interface {
	Recv(buf []byte) (int, error)
	Close() error
}

// ControlTransport is the datagram socket the control thread blocks on;
// it is bidirectional since RTCP is a two-way exchange of SR/RR.
type ControlTransport interface {
	Recv(buf []byte) (int, error)
	Send(wire []byte) error
	Close() error
}

// Config configures an Orchestrator instance.
type Config struct {
	// LocalSSRC identifies the receiver in the Receiver Reports it sends.
	LocalSSRC uint32

	// RTPClockRate is the RTP timestamp clock rate in Hz, used to convert
	// local wallclock arrival times into RTP timestamp units for the
	// RFC 3550 jitter estimator.
	RTPClockRate uint32

	// NALQueueCapacity bounds the FIFO between the stream thread and the
	// filter thread (spec.md 4.1's fixed-capacity pool, spec.md 5's
	// back-pressure policy: producer drops newest on a full queue).
	NALQueueCapacity int

	// DJBNominal is the initial target de-jitter buffer fill level (C5's
	// DJBEstimator), in the same units as the fill-level samples fed to
	// it (this package samples queue depth in NAL units; see filterLoop).
	DJBNominal uint32
}

// Orchestrator owns the lifecycle of the three cooperating threads
// described in spec.md 4.7: stream (feeds C3), control (feeds C5),
// filter (drives C4).
type Orchestrator struct {
	cfg Config

	streamTransport  StreamTransport
	controlTransport ControlTransport

	depacketizer  *rtpio.Depacketizer
	filt          *filter.Filter
	receiverState *rtcp.ReceiverState
	djb           *rtcp.DJBEstimator

	queue  *fifo.Pool[filter.Input]
	signal chan struct{}

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	paused atomic.Bool

	droppedQueueFull atomic.Uint64
}

// New constructs an Orchestrator. receiverState may be nil if the caller
// doesn't need RTCP reception statistics (e.g. a resend-only instance).
func New(cfg Config, streamTransport StreamTransport, controlTransport ControlTransport, filt *filter.Filter, receiverState *rtcp.ReceiverState) *Orchestrator {
	if cfg.NALQueueCapacity <= 0 {
		cfg.NALQueueCapacity = 256
	}
	if cfg.RTPClockRate == 0 {
		cfg.RTPClockRate = 90000
	}
	return &Orchestrator{
		cfg:              cfg,
		streamTransport:  streamTransport,
		controlTransport: controlTransport,
		depacketizer:     rtpio.NewDepacketizer(),
		filt:             filt,
		receiverState:    receiverState,
		djb:              rtcp.NewDJBEstimator(cfg.DJBNominal),
		queue:            fifo.NewPool[filter.Input](cfg.NALQueueCapacity),
		signal:           make(chan struct{}, 1),
	}
}

// Start arms the callbacks and launches the stream, control, and filter
// threads. Start must not be called more than once on the same
// Orchestrator.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errAlreadyStarted
	}
	o.started = true
	o.stopCh = make(chan struct{})

	o.wg.Add(3)
	go o.streamLoop()
	go o.controlLoop()
	go o.filterLoop()
	return nil
}

// Pause makes the filter thread a no-op: the stream and control threads
// keep draining their sockets (and the filter thread keeps draining the
// NAL queue) so nothing blocks, but no NAL unit reaches C4 until Resume.
// This matches spec.md 4.7's "the reader's NAL buffer is invalidated so
// it can be safely rebound" intent without requiring callers to stop and
// restart the threads.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
}

// Resume undoes Pause.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
}

// Stop signals all three threads to return and waits for them to exit.
// Stop is idempotent: calling it more than once, or calling it before
// Start, is a safe no-op beyond the first call. After Stop returns, no
// callback fires.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started := o.started
		o.mu.Unlock()
		if !started {
			return
		}
		close(o.stopCh)
		o.streamTransport.Close()
		o.controlTransport.Close()
	})
	o.wg.Wait()
}

// DroppedForQueueFull returns the number of NAL units dropped because the
// stream-to-filter queue was full, surfaced to C8.
func (o *Orchestrator) DroppedForQueueFull() uint64 {
	return o.droppedQueueFull.Load()
}

// Depacketizer returns the C3 depacketizer this instance owns, for a
// statistics sink (C8) to read counters from.
func (o *Orchestrator) Depacketizer() *rtpio.Depacketizer {
	return o.depacketizer
}

// Queue returns the stream-to-filter NAL queue this instance owns,
// satisfying stats.QueueStats, for C8 to read DroppedCount from.
func (o *Orchestrator) Queue() *fifo.Pool[filter.Input] {
	return o.queue
}

// DJB returns the C5 de-jitter buffer fill estimator this instance owns,
// for C8 to read a report from.
func (o *Orchestrator) DJB() *rtcp.DJBEstimator {
	return o.djb
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// streamLoop blocks on the stream socket, depacketizes each datagram, and
// hands completed NAL units to the filter thread via the bounded queue.
func (o *Orchestrator) streamLoop() {
	defer o.wg.Done()

	buf := make([]byte, 65536)
	for {
		if o.stopping() {
			return
		}

		n, err := o.streamTransport.Recv(buf)
		if err != nil {
			if o.stopping() {
				return
			}
			log.Error("stream recv: %v", err)
			return
		}

		units, loss, err := o.depacketizer.Unmarshal(buf[:n])
		if loss != nil && o.receiverState != nil {
			o.receiverState.RecordLossReport(loss.StartSeqNum, loss.EndSeqNum, loss.Bitmap)
		}
		if err != nil {
			log.Debug("stream recv: %v", err)
			continue
		}

		if o.receiverState != nil {
			// Once per RTP packet: a STAP-A yields several NAL units and
			// an FU-A fragment may yield none.
			seq := binary.BigEndian.Uint16(buf[2:4])
			ts := binary.BigEndian.Uint32(buf[4:8])
			arrival := wallclockToRTPUnits(time.Now(), o.cfg.RTPClockRate)
			o.receiverState.OnPacketReceived(seq, ts, arrival)
		}
		for _, u := range units {
			o.enqueue(u)
		}
	}
}

func (o *Orchestrator) enqueue(u rtpio.NALUnit) {
	ref, item, ok := o.queue.PopFree()
	if !ok {
		o.droppedQueueFull.Add(1)
		return
	}
	*item = filter.Input{
		NALU:                   u.NALU,
		Timestamp:              u.Timestamp,
		Marker:                 u.Marker,
		ExtendedSequenceNumber: u.ExtendedSequenceNumber,
		Discontinuous:          u.Discontinuous,
	}
	o.queue.Enqueue(ref)

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// filterLoop blocks on the NAL queue's not-empty condition (here, a
// signal channel alongside the non-blocking Dequeue spec.md 4.1
// requires) and drives C4.
func (o *Orchestrator) filterLoop() {
	defer o.wg.Done()

	for {
		ref, item, ok := o.queue.Dequeue()
		if !ok {
			select {
			case <-o.stopCh:
				return
			case <-o.signal:
				continue
			}
		}

		in := *item
		o.queue.PushFree(ref)

		// Sample the backlog still waiting behind this item as the
		// de-jitter buffer fill-level observation for this window (C5).
		o.djb.AddSample(uint32(o.queue.Len()))

		if o.stopping() {
			return
		}
		if o.paused.Load() {
			continue
		}
		if err := o.filt.Consume(in); err != nil {
			log.Debug("filter consume: %v", err)
		}
	}
}

// controlLoop blocks on the control socket, feeding received Sender
// Reports into C5 and replying with a Receiver Report.
func (o *Orchestrator) controlLoop() {
	defer o.wg.Done()

	buf := make([]byte, 2048)
	for {
		if o.stopping() {
			return
		}

		n, err := o.controlTransport.Recv(buf)
		if err != nil {
			if o.stopping() {
				return
			}
			log.Error("control recv: %v", err)
			return
		}
		if o.stopping() {
			return
		}

		sr, err := rtcp.UnmarshalSenderReport(buf[:n])
		if err != nil {
			log.Debug("control recv: %v", err)
			continue
		}
		if o.receiverState == nil {
			continue
		}

		now := time.Now()
		nowMicros := uint64(now.UnixNano() / 1000)
		o.receiverState.OnSenderReportReceived(sr, nowMicros)

		block := o.receiverState.BuildReportBlock(nowMicros)
		rr := &rtcp.ReceiverReport{SSRC: o.cfg.LocalSSRC, Reports: []rtcp.ReportBlock{block}}
		wire, err := rr.Marshal()
		if err != nil {
			log.Error("control: marshal receiver report: %v", err)
			continue
		}
		if err := o.controlTransport.Send(wire); err != nil {
			log.Error("control send: %v", err)
		}
	}
}

// wallclockToRTPUnits scales a wallclock instant into the RTP clock's
// units, for use as ReceiverState.OnPacketReceived's arrival timestamp.
func wallclockToRTPUnits(t time.Time, clockRate uint32) int64 {
	return t.UnixNano() * int64(clockRate) / int64(time.Second)
}

type orchestratorError string

func (e orchestratorError) Error() string { return string(e) }

const errAlreadyStarted = orchestratorError("orchestrator: already started")
