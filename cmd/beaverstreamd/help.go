package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagListen              string
	flagControlListen       string
	flagResendAddress       string
	flagResendControlListen string
	flagPayloadType         int
	flagSSRC                uint32
	flagResendSSRC          uint32
	flagClockRate           uint32
	flagMTU                 int
	flagMaxNetworkLatencyMs uint32
	flagWaitForSync         bool
	flagGenerateGrayIFrame  bool
	flagGenerateSkippedP    bool
	flagOutputIncompleteAU  bool
	flagFilterOutSpsPps     bool
	flagFilterOutSei        bool
	flagReplaceStartCodes   bool
	flagStatsIntervalMs     int

	flagHelp    bool
	flagVersion bool
)

func init() {
	flag.StringVarP(&flagListen, "listen", "l", ":5004", "Local UDP address for the RTP stream socket")
	flag.StringVarP(&flagControlListen, "control-listen", "c", ":5005", "Local UDP address for the RTCP control socket")
	flag.StringVarP(&flagResendAddress, "resend-to", "r", "", "Fan out the received stream to this UDP address (RTP)")
	flag.StringVarP(&flagResendControlListen, "resend-control", "", ":0", "Local UDP address to bind the resender's own RTP socket")
	flag.IntVarP(&flagPayloadType, "payload-type", "p", 96, "RTP payload type to emit on the resend session (received packets are not filtered by payload type)")
	flag.Uint32VarP(&flagSSRC, "ssrc", "", 0, "SSRC used in RTCP receiver reports (received packets are not filtered by SSRC)")
	flag.Uint32VarP(&flagResendSSRC, "resend-ssrc", "", 0x1eaf, "SSRC to use on the resend session")
	flag.Uint32VarP(&flagClockRate, "clock-rate", "", 90000, "RTP clock rate, in Hz")
	flag.IntVarP(&flagMTU, "mtu", "", 1280, "Maximum RTP payload size for the resend session")
	flag.Uint32VarP(&flagMaxNetworkLatencyMs, "max-network-latency", "", 200, "Drop resent packets older than this, in ms")

	flag.BoolVarP(&flagWaitForSync, "wait-for-sync", "", true, "Discard NAL units until the first SPS/PPS pair arrives")
	flag.BoolVarP(&flagGenerateGrayIFrame, "gray-iframe", "", false, "Synthesize a gray I-frame access unit once synced")
	flag.BoolVarP(&flagGenerateSkippedP, "skipped-pslices", "", false, "Synthesize skipped P-slices across detected gaps")
	flag.BoolVarP(&flagOutputIncompleteAU, "output-incomplete", "", false, "Emit access units flagged incomplete instead of dropping them")
	flag.BoolVarP(&flagFilterOutSpsPps, "filter-sps-pps", "", false, "Suppress SPS/PPS NAL units from emitted access units")
	flag.BoolVarP(&flagFilterOutSei, "filter-sei", "", false, "Suppress SEI NAL units from emitted access units")
	flag.BoolVarP(&flagReplaceStartCodes, "avcc", "", false, "Emit length-prefixed NAL units instead of Annex-B start codes")
	flag.IntVarP(&flagStatsIntervalMs, "stats-interval", "", 1000, "Statistics log interval, in ms (0 disables)")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Low-latency H.264/RTP receiver and fan-out resender

Usage: beaverstreamd [OPTION]...

Sockets:
  -l, --listen=ADDR           RTP stream socket (default: :5004)
  -c, --control-listen=ADDR   RTCP control socket (default: :5005)
  -r, --resend-to=ADDR        Fan out the received stream to ADDR

RTP/RTCP:
  -p, --payload-type=NUM      RTP payload type for resends; not checked on receive (default: 96)
      --ssrc=NUM              SSRC used in RTCP receiver reports; not checked on receive
      --resend-ssrc=NUM       SSRC used on the resend session
      --clock-rate=NUM        RTP clock rate, in Hz (default: 90000)
      --mtu=NUM               Max RTP payload size for resends (default: 1280)
      --max-network-latency=NUM  Drop stale resends after NUM ms (default: 200)

Access-unit assembly:
      --wait-for-sync         Discard NAL units before first SPS/PPS (default: true)
      --gray-iframe           Synthesize a gray I-frame once synced
      --skipped-pslices       Synthesize skipped P-slices across gaps
      --output-incomplete     Emit incomplete access units instead of dropping
      --filter-sps-pps        Suppress SPS/PPS from emitted access units
      --filter-sei            Suppress SEI from emitted access units
      --avcc                  Emit length-prefixed NAL units, not Annex-B

Miscellaneous:
      --stats-interval=NUM    Statistics log interval, in ms (default: 1000)
  -h, --help                  Prints this help message and exits
  -v, --version                Prints version information and exits`

func help() {
	b := color.New(color.FgCyan)
	y := color.New(color.FgYellow)
	b.Println(" _                                 _                           _")
	y.Println("| |__   ___   __ _ __   __ ___ _ __ ___| |_ _ __ ___  __ _ _ __ ___   __| |")
	fmt.Println(helpString)
}
