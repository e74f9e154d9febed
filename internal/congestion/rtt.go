package congestion

import "time"

const (
	// RTTCeiling bounds samples folded into the estimate. Longer samples are
	// still reported but do not move the estimate.
	RTTCeiling = 30 * time.Second

	// RTTFloor is the smallest meaningful estimate. An estimate below it is
	// considered degenerate and is reseeded from the instantaneous sample.
	RTTFloor = 127 * time.Microsecond

	// Increase by 1/8 of the gap, decay by 1/128 of the estimate.
	rttGainShift  = 3
	rttDecayShift = 7
)

// Estimator keeps a smoothed round-trip estimate from request/response pairs
// keyed by pipeline slot. At most one probe per slot is timed at a time.
type Estimator struct {
	sent map[int]time.Time

	rtt      time.Duration // Most recent sample.
	estimate time.Duration // Smoothed estimate.

	// Stats.
	samples   int64
	discarded int64

	// For testability; defaults to time.Now.
	nowFunc func() time.Time
}

// NewEstimator creates an estimator. A nil clock uses time.Now.
func NewEstimator(clock func() time.Time) *Estimator {
	if clock == nil {
		clock = time.Now
	}
	return &Estimator{
		sent:    make(map[int]time.Time),
		nowFunc: clock,
	}
}

// OnSend arms a probe for slot. A second send on an armed slot is a no-op so a
// re-requested segment is timed from its first request.
func (e *Estimator) OnSend(slot int) {
	if _, armed := e.sent[slot]; armed {
		return
	}
	e.sent[slot] = e.nowFunc()
}

// OnMatch completes the probe for slot and returns the measured sample.
// Returns false if no probe was armed for the slot.
func (e *Estimator) OnMatch(slot int) (time.Duration, bool) {
	start, armed := e.sent[slot]
	if !armed {
		return 0, false
	}
	delete(e.sent, slot)

	sample := max(e.nowFunc().Sub(start), 0)
	e.rtt = sample
	e.observe(sample)
	return sample, true
}

// Forget disarms the probe for slot without producing a sample.
func (e *Estimator) Forget(slot int) {
	delete(e.sent, slot)
}

// observe folds one sample into the smoothed estimate.
func (e *Estimator) observe(sample time.Duration) {
	if sample > RTTCeiling {
		e.discarded++
		return
	}
	e.samples++

	est := e.estimate
	if est >= RTTFloor {
		if sample > est {
			est += (sample - est) >> rttGainShift
		} else {
			est -= est >> rttDecayShift
		}
	}
	if est < RTTFloor {
		est = max(sample, RTTFloor)
	}
	e.estimate = est
}

// RTT returns the most recent sample, including ones too long to be smoothed.
func (e *Estimator) RTT() time.Duration {
	return e.rtt
}

// Estimate returns the smoothed estimate; zero until the first sample.
func (e *Estimator) Estimate() time.Duration {
	return e.estimate
}

// Armed returns the number of slots with a probe in flight.
func (e *Estimator) Armed() int {
	return len(e.sent)
}

// RTTStats contains estimator statistics.
type RTTStats struct {
	RTT       time.Duration
	Estimate  time.Duration
	Samples   int64
	Discarded int64
}

// Stats returns current estimator statistics.
func (e *Estimator) Stats() RTTStats {
	return RTTStats{
		RTT:       e.rtt,
		Estimate:  e.estimate,
		Samples:   e.samples,
		Discarded: e.discarded,
	}
}
