// Package stats aggregates the counters emitted by C3 (depacketizer),
// C4's queueing, C5 (RTCP), and C6 (resender) into one snapshot (C8).
//
// Grounded on the teacher pack's stats-struct shape (compare
// bluenviron-gortsplib's ServerStreamStats: a flat struct of named
// counters returned by value), adapted to this stack's receive-side
// counters instead of RTSP server send-side ones.
package stats

import (
	"sync"

	"github.com/lanikai/beaverstream/internal/rtcp"
	"github.com/lanikai/beaverstream/internal/resender"
	"github.com/lanikai/beaverstream/internal/rtpio"
)

// Snapshot is a point-in-time read of every counter this stack tracks.
type Snapshot struct {
	// From C3 (rtpio.Depacketizer).
	PacketsReceived   uint64
	BytesReceived     uint64
	PacketsLost       uint64
	MissingStartCount uint64
	MissingEndCount   uint64

	// LastLossReport is the most recently flushed loss-report bitmap
	// (spec.md 4.3), nil if the depacketizer hasn't flushed one yet.
	LastLossReport *rtpio.LossReport

	// From the stream-to-filter queue (C1/C4 handoff).
	QueueDroppedFull uint64

	// From C5 (rtcp.ReceiverState), valid only if a receiver state was
	// registered.
	Jitter                        uint32
	ExtendedHighestSequenceNumber uint32

	// DJB metrics, valid only if a DJBEstimator was registered.
	DJB rtcp.DJBMetrics

	// From C6 (resender.Resender), valid only if a resender was
	// registered.
	ResendPacketsSent    uint64
	ResendPacketsDropped uint64
}

// QueueStats is the subset of fifo.Pool's counters this package reads,
// kept as its own interface so this package doesn't need the fifo
// package's type parameter.
type QueueStats interface {
	DroppedCount() uint64
}

// Aggregator collects references to the live counters spread across the
// pipeline and produces a combined Snapshot on demand. It holds no
// counters of its own; spec.md 4.8's "aggregates counters emitted by
// C3-C5" describes a read-only fan-in, not an independent count.
type Aggregator struct {
	mu sync.Mutex

	depacketizer  *rtpio.Depacketizer
	queue         QueueStats
	receiverState *rtcp.ReceiverState
	djb           *rtcp.DJBEstimator
	resender      *resender.Resender
}

// New constructs an Aggregator. Any argument may be nil if that
// component isn't in use for this instance (e.g. a sender-only session
// has no Depacketizer).
func New(depacketizer *rtpio.Depacketizer, queue QueueStats, receiverState *rtcp.ReceiverState, djb *rtcp.DJBEstimator, resend *resender.Resender) *Aggregator {
	return &Aggregator{
		depacketizer:  depacketizer,
		queue:         queue,
		receiverState: receiverState,
		djb:           djb,
		resender:      resend,
	}
}

// Snapshot reads every registered component's counters into one
// combined Snapshot. djbTimestamp is the RTP timestamp to stamp the DJB
// report with, if a DJBEstimator was registered.
func (a *Aggregator) Snapshot(djbTimestamp uint32) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Snapshot

	if a.depacketizer != nil {
		ds := a.depacketizer.Stats()
		s.PacketsReceived = ds.PacketsReceived
		s.BytesReceived = ds.BytesReceived
		s.PacketsLost = ds.PacketsLost
		s.MissingStartCount = ds.MissingStartCount
		s.MissingEndCount = ds.MissingEndCount
		s.LastLossReport = a.depacketizer.LastLossReport()
	}

	if a.queue != nil {
		s.QueueDroppedFull = a.queue.DroppedCount()
	}

	if a.receiverState != nil {
		// Read-only accessors: BuildReportBlock's interval counters belong
		// to RTCP Receiver Report generation (orchestrator's control
		// thread), not to this snapshot, so this must not consume them.
		s.Jitter = a.receiverState.Jitter()
		s.ExtendedHighestSequenceNumber = a.receiverState.ExtendedHighestSequenceNumber()
	}

	if a.djb != nil {
		s.DJB = a.djb.Report(djbTimestamp)
	}

	if a.resender != nil {
		rs := a.resender.Stats()
		s.ResendPacketsSent = rs.PacketsSent
		s.ResendPacketsDropped = rs.PacketsDropped
	}

	return s
}
