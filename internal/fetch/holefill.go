package fetch

import (
	"time"

	"github.com/arsac/ndnchunks/internal/metrics"
	"github.com/arsac/ndnchunks/internal/schedule"
)

const (
	// holeFillerInitialDelay is the delay before the first check once the
	// first RTT sample is in.
	holeFillerInitialDelay = 10 * time.Millisecond

	// minHoleCheckDelay floors the delay between checks.
	minHoleCheckDelay = 10 * time.Millisecond

	// backoffThreshold is shifted right by the stall count; the count grows
	// only while the result still exceeds the RTT estimate.
	backoffThreshold = 6 * time.Second

	// maxBackoffExponent caps the stall count. backoffThreshold>>23 is zero,
	// and RTTCeiling<<23 still fits in a time.Duration.
	maxBackoffExponent = 23
)

// holeFiller periodically checks whether delivery has advanced. On the first
// check of a stall it shrinks the window and requests the awaited segment
// again; repeated stalls back off exponentially.
type holeFiller struct {
	s         *Session
	lastCheck uint64 // Delivered count seen at the previous check.
	backoff   uint   // Consecutive stalls, bounded by maxBackoffExponent.

	// Recovery interests expressed by this filler and not yet retired.
	pending  map[*recoveryProbe]struct{}
	released bool
}

func newHoleFiller(s *Session) *holeFiller {
	return &holeFiller{
		s:         s,
		lastCheck: s.buf.Delivered(),
		pending:   make(map[*recoveryProbe]struct{}),
	}
}

func (h *holeFiller) Fire(now time.Time) time.Duration {
	s := h.s
	if s.finished {
		return schedule.Stop
	}

	delivered := s.buf.Delivered()
	est := s.rtt.Estimate()

	switch {
	case delivered != h.lastCheck:
		h.lastCheck = delivered
		h.backoff = 0
	case s.buf.Outstanding() > 0:
		switch {
		case h.backoff == 0:
			h.onHole(delivered)
		case h.orphaned(delivered):
			h.recover(delivered)
		}
		if h.backoff < maxBackoffExponent && backoffThreshold>>h.backoff > est {
			h.backoff++
		}
	default:
		h.lastCheck = delivered
		h.backoff = 0
	}

	return max(est<<h.backoff, minHoleCheckDelay)
}

// Release detaches every recovery interest still in flight.
func (h *holeFiller) Release() {
	for r := range h.pending {
		r.filler = nil
	}
	clear(h.pending)
	h.released = true
}

// Outstanding returns the number of recovery interests not yet retired.
func (h *holeFiller) Outstanding() int {
	return len(h.pending)
}

// onHole handles a stall at segment delivered.
func (h *holeFiller) onHole(delivered uint64) {
	s := h.s
	s.counters.Holes++
	metrics.HolesTotal.Inc()
	s.logger.Warn("hole detected", "at", delivered)
	s.report()

	s.window.OnLoss()
	metrics.PipelineWindow.Set(float64(s.window.Size()))
	h.recover(delivered)
}

// orphaned reports whether seq is awaited with neither a slot probe nor a
// recovery interest in flight for it.
func (h *holeFiller) orphaned(seq uint64) bool {
	s := h.s
	slot := s.buf.SlotFor(seq)
	return len(h.pending) == 0 && s.probes[slot] == nil && s.buf.IsAwaiting(slot, seq)
}

// recover expresses a dedicated interest for seq with a one-shot handler.
func (h *holeFiller) recover(seq uint64) {
	s := h.s
	r := &recoveryProbe{filler: h, seq: seq}
	if err := s.transport.Express(s.interest(seq), r); err != nil {
		s.logger.Warn("recovery interest failed", "seq", seq, "error", err)
		return
	}
	h.pending[r] = struct{}{}
	s.counters.InterestsSent++
	metrics.InterestsSentTotal.Inc()
}

// recoveryProbe is the handler for a hole filler interest. The transport
// hands the same content to a slot probe still waiting on that name; the
// recovery only delivers it when the slot probe has already been retired.
type recoveryProbe struct {
	filler *holeFiller
	seq    uint64
}

func (r *recoveryProbe) Upcall(u *Upcall) Result {
	if r.filler == nil {
		return ResultOK
	}
	switch u.Kind {
	case UpcallContent:
		return r.filler.s.onRecoveredContent(r.seq, u)
	case UpcallFinal:
		delete(r.filler.pending, r)
		r.filler = nil
	}
	return ResultOK
}
