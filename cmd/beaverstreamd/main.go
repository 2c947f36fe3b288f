// Command beaverstreamd receives a low-latency H.264-over-RTP/RTCP
// stream, assembles it into access units, and optionally fans the
// re-framed NAL unit stream out to a second UDP peer.
//
// Adapted from the teacher's cmd/alohartcd/main.go: this keeps the
// pflag-driven flag parsing and banner-on-help shape, but replaces the
// teacher's WebRTC/ICE/signaling peer-session flow with a UDP RTP/RTCP
// receiver wired to this stack's orchestrator, filter, and resender.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/beaverstream/internal/filter"
	"github.com/lanikai/beaverstream/internal/h264"
	"github.com/lanikai/beaverstream/internal/logging"
	"github.com/lanikai/beaverstream/internal/orchestrator"
	"github.com/lanikai/beaverstream/internal/resender"
	"github.com/lanikai/beaverstream/internal/rtcp"
	"github.com/lanikai/beaverstream/internal/stats"
)

var log = logging.DefaultLogger.WithTag("main")

// udpTransport adapts a *net.UDPConn to orchestrator.StreamTransport,
// orchestrator.ControlTransport, and resender.Transport.
type udpTransport struct {
	conn *net.UDPConn
	peer *net.UDPAddr // nil for a transport that only receives
}

func (t *udpTransport) Recv(buf []byte) (int, error) {
	n, _, err := t.conn.ReadFromUDP(buf)
	return n, err
}

func (t *udpTransport) Send(wire []byte) error {
	if t.peer == nil {
		return nil
	}
	_, err := t.conn.WriteToUDP(wire, t.peer)
	return err
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

func listenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", laddr)
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		log.Info("beaverstreamd (development build)")
		os.Exit(0)
	}

	streamConn, err := listenUDP(flagListen)
	if err != nil {
		log.Fatalf("listen %s: %v", flagListen, err)
	}
	controlConn, err := listenUDP(flagControlListen)
	if err != nil {
		log.Fatalf("control-listen %s: %v", flagControlListen, err)
	}

	streamTransport := &udpTransport{conn: streamConn}
	controlTransport := &udpTransport{conn: controlConn}

	var resend *resender.Resender
	if flagResendAddress != "" {
		peer, err := net.ResolveUDPAddr("udp", flagResendAddress)
		if err != nil {
			log.Fatalf("resend-to %s: %v", flagResendAddress, err)
		}
		resendConn, err := listenUDP(flagResendControlListen)
		if err != nil {
			log.Fatalf("resend-control %s: %v", flagResendControlListen, err)
		}
		resendTransport := &udpTransport{conn: resendConn, peer: peer}

		resend, err = resender.New(resender.Config{
			PayloadType:         byte(flagPayloadType),
			SSRC:                flagResendSSRC,
			MTU:                 flagMTU,
			MaxNetworkLatencyMs: flagMaxNetworkLatencyMs,
		}, resendTransport)
		if err != nil {
			log.Fatalf("resender: %v", err)
		}
	}

	writer := h264.NullWriter{}

	filt := filter.New(filter.Config{
		WaitForSync:                   flagWaitForSync,
		OutputIncompleteAU:            flagOutputIncompleteAU,
		FilterOutSpsPps:               flagFilterOutSpsPps,
		FilterOutSei:                  flagFilterOutSei,
		ReplaceStartCodesWithNaluSize: flagReplaceStartCodes,
		GenerateSkippedPSlices:        flagGenerateSkippedP,
		GenerateFirstGrayIFrame:       flagGenerateGrayIFrame,
	}, writer, func(sps *h264.SPS, pps *h264.PPS) {
		mbW, mbH := h264.GetPictureMbDims(sps)
		log.Info("new SPS/PPS: %dx%d macroblocks", mbW, mbH)
	}, func() ([]byte, any) {
		return make([]byte, 0, 1<<20), nil
	}, func(au filter.AU) {
		if resend != nil {
			for i, u := range au.Units {
				marker := i == len(au.Units)-1
				// Skip the 4-byte start code or length prefix.
				nalu := h264.NALU(au.Buffer[u.Offset+4 : u.Offset+u.Length])
				if err := resend.Consume(nalu, time.Now(), au.Timestamp, marker); err != nil {
					log.Warn("resend: %v", err)
				}
			}
		}
		if _, err := os.Stdout.Write(au.Buffer); err != nil {
			log.Error("write access unit: %v", err)
		}
	})

	receiverState := rtcp.NewReceiverState(flagSSRC)

	o := orchestrator.New(orchestrator.Config{
		LocalSSRC:        flagSSRC,
		RTPClockRate:     flagClockRate,
		NALQueueCapacity: 256,
	}, streamTransport, controlTransport, filt, receiverState)

	if err := o.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}

	agg := stats.New(o.Depacketizer(), o.Queue(), receiverState, o.DJB(), resend)
	var statsTicker *time.Ticker
	if flagStatsIntervalMs > 0 {
		statsTicker = time.NewTicker(time.Duration(flagStatsIntervalMs) * time.Millisecond)
		defer statsTicker.Stop()
		go func() {
			for range statsTicker.C {
				snap := agg.Snapshot(0)
				log.Info("stats: jitter=%d seq=%d resent=%d/%d dropped",
					snap.Jitter, snap.ExtendedHighestSequenceNumber,
					snap.ResendPacketsSent, snap.ResendPacketsDropped)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	o.Stop()
	filt.Flush()
}
