// Package resender implements the fan-out path (C6): it receives the
// already-depacketized NAL unit stream and re-packetizes it to a second
// peer, independent of the original sender's sequence numbers, SSRC, and
// timing.
//
// Grounded on the teacher's Broadcaster (broadcaster.go), but with no queue
// and no back-pressure policy: packets are sent synchronously and are
// dropped only when past their latency deadline. Byte-slice fan-out is
// replaced with RTP re-packetization via
// internal/rtpio, since the resender's unit of work is a NAL unit that
// must be framed fresh for the second peer rather than a pre-packetized
// datagram copied verbatim.
package resender

import (
	"sync"
	"time"

	"github.com/lanikai/beaverstream/internal/h264"
	"github.com/lanikai/beaverstream/internal/logging"
	"github.com/lanikai/beaverstream/internal/rtpio"
)

var log = logging.DefaultLogger.WithTag("resender")

// Transport abstracts the datagram socket a Resender writes to, matching
// spec.md 6's "Datagram transport: send(bufferVector)" collaborator.
type Transport interface {
	Send(wire []byte) error
}

// Config configures a Resender's own, independent RTP session toward the
// second peer.
type Config struct {
	PayloadType byte
	SSRC        uint32
	MTU         int

	// MaxNetworkLatencyMs bounds how long a NAL unit may sit before the
	// resender transmits it; packets computed past this deadline are
	// dropped rather than sent late, per spec.md 4.6.
	MaxNetworkLatencyMs uint32
}

// Stats reports the resender's running counters.
type Stats struct {
	PacketsSent    uint64
	PacketsDropped uint64
}

// Resender re-packetizes a stream of NAL units (as produced by C3) to a
// second peer, maintaining its own sequence/SSRC/timing state separate
// from the original sender's.
type Resender struct {
	mu sync.Mutex

	packetizer *rtpio.Packetizer
	transport  Transport
	maxLatency time.Duration

	stats Stats
}

// New constructs a Resender with its own RTP packetization state, reusing
// C2 (internal/rtpio.Packetizer) to frame outgoing packets.
func New(cfg Config, transport Transport) (*Resender, error) {
	pz, err := rtpio.NewPacketizer(rtpio.PacketizerConfig{
		PayloadType: cfg.PayloadType,
		SSRC:        cfg.SSRC,
		MTU:         cfg.MTU,
	})
	if err != nil {
		return nil, err
	}
	return &Resender{
		packetizer: pz,
		transport:  transport,
		maxLatency: time.Duration(cfg.MaxNetworkLatencyMs) * time.Millisecond,
	}, nil
}

// Consume re-packetizes one NAL unit and transmits the resulting packets,
// dropping any whose computed timeoutTimestamp (receivedAt +
// maxNetworkLatencyMs) has already passed by the time they would be
// sent.
func (r *Resender) Consume(nalu h264.NALU, receivedAt time.Time, rtpTimestamp uint32, marker bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deadline time.Time
	if r.maxLatency > 0 {
		deadline = receivedAt.Add(r.maxLatency)
	}

	packets, err := r.packetizer.Packetize(nalu, rtpTimestamp, marker)
	if err != nil {
		return err
	}
	return r.transmit(packets, deadline)
}

// Flush forwards any STAP-A aggregate the packetizer is still holding
// back, e.g. at the end of an access unit.
func (r *Resender) Flush(rtpTimestamp uint32, marker bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	packets, err := r.packetizer.Flush(rtpTimestamp, marker)
	if err != nil {
		return err
	}
	return r.transmit(packets, time.Time{})
}

func (r *Resender) transmit(packets []rtpio.Packet, deadline time.Time) error {
	now := time.Now()
	for _, pkt := range packets {
		if !deadline.IsZero() && now.After(deadline) {
			r.stats.PacketsDropped++
			log.Debug("dropping resent packet past deadline, seq=%d", pkt.Sequence)
			continue
		}
		if err := r.transport.Send(pkt.Wire); err != nil {
			return err
		}
		r.stats.PacketsSent++
	}
	return nil
}

// Stats returns a snapshot of the resender's running counters.
func (r *Resender) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
