package rtcp

// DJBMetrics reports the de-jitter buffer fill level as observed over a
// measurement window, in the unit of the samples fed to DJBEstimator (the
// orchestrator samples NAL-queue depth, in NAL units; this is not a
// duration of buffered media). Field names are
// carried over from the original implementation's djbMetricsReport
// (arstream2_stream_stats.c), a measurement distinct from the RFC 3550
// interarrival jitter tracked by ReceiverState: this is "how much buffer
// headroom do we actually need", not "how much does arrival timing
// vary".
type DJBMetrics struct {
	// Timestamp is the RTP timestamp at the end of the measurement
	// window.
	Timestamp uint32

	// Nominal is the buffer fill level the caller is currently targeting.
	Nominal uint32

	// Max is the largest fill level observed during the window.
	Max uint32

	// HighWatermark and LowWatermark are the largest and smallest fill
	// levels observed during the window, with no margin added.
	HighWatermark uint32
	LowWatermark  uint32
}

// DJBEstimator accumulates buffer-fill samples (in whatever unit the caller
// samples; the orchestrator adds one per dequeued NAL unit) over a
// measurement window and produces a DJBMetrics
// report on demand, mirroring the original implementation's
// ARSTREAM2_RTCP... de-jitter sizing logic without reproducing its exact
// windowing internals (those are tuned heuristics, not a protocol
// requirement, so approximating their shape here is appropriate rather
// than guessing at undocumented constants).
type DJBEstimator struct {
	nominal uint32

	min, max   uint32
	haveSample bool
	lastSample uint32
}

// NewDJBEstimator constructs an estimator with an initial nominal buffer
// target, in the same unit as the samples passed to AddSample.
func NewDJBEstimator(nominal uint32) *DJBEstimator {
	return &DJBEstimator{nominal: nominal}
}

// AddSample records one observed buffer fill level.
func (e *DJBEstimator) AddSample(fillLevel uint32) {
	if !e.haveSample {
		e.min, e.max = fillLevel, fillLevel
		e.haveSample = true
	} else {
		if fillLevel < e.min {
			e.min = fillLevel
		}
		if fillLevel > e.max {
			e.max = fillLevel
		}
	}
	e.lastSample = fillLevel
}

// Report produces a DJBMetrics snapshot for the window observed so far
// and resets the window's min/max extremes (Nominal persists across
// windows; callers that want to retarget it should call SetNominal).
func (e *DJBEstimator) Report(timestamp uint32) DJBMetrics {
	m := DJBMetrics{
		Timestamp:     timestamp,
		Nominal:       e.nominal,
		Max:           e.max,
		HighWatermark: e.max,
		LowWatermark:  e.min,
	}
	e.haveSample = false
	e.min, e.max = 0, 0
	return m
}

// SetNominal updates the target buffer fill level, e.g. after a
// reconfiguration of maxLatencyMs.
func (e *DJBEstimator) SetNominal(nominal uint32) {
	e.nominal = nominal
}
