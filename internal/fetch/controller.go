package fetch

import (
	"fmt"

	"github.com/arsac/ndnchunks/internal/metrics"
	"github.com/arsac/ndnchunks/internal/names"
)

// topUpPerUpcall bounds how many new interests a single upcall may issue.
const topUpPerUpcall = 2

// slotProbe is the handler for the interest that fetches one segment.
type slotProbe struct {
	s       *Session
	slot    int
	seq     uint64
	retired bool
}

func (p *slotProbe) Upcall(u *Upcall) Result {
	return p.s.onUpcall(p, u)
}

func (s *Session) interest(seq uint64) Interest {
	return Interest{
		Name:       names.SegmentName(s.cfg.Name, seq, s.cfg.Segments),
		AllowStale: s.cfg.AllowStale,
	}
}

// topUp issues interests for the segments just past the window until the
// window is full, at most topUpPerUpcall at a time.
func (s *Session) topUp() {
	for range topUpPerUpcall {
		if s.finished || s.buf.Outstanding() >= s.window.Size() {
			return
		}
		next := s.buf.Delivered() + uint64(s.buf.Outstanding())
		if s.hasFinal && next > s.finalSeq {
			return
		}
		s.ask(next)
	}
}

// ask binds the slot for seq and expresses an interest for it.
func (s *Session) ask(seq uint64) {
	slot, err := s.buf.Bind(seq)
	if err != nil {
		s.logger.Error("cannot bind segment", "seq", seq, "error", err)
		return
	}

	p := &slotProbe{s: s, slot: slot, seq: seq}
	s.probes[slot] = p
	s.rtt.OnSend(slot)
	if err := s.transport.Express(s.interest(seq), p); err != nil {
		s.terminate(fmt.Errorf("%w: segment %d: %w", ErrExpress, seq, err))
		return
	}
	s.counters.InterestsSent++
	metrics.InterestsSentTotal.Inc()
	metrics.OutstandingSegments.Set(float64(s.buf.Outstanding()))
}

func (s *Session) onUpcall(p *slotProbe, u *Upcall) Result {
	switch u.Kind {
	case UpcallFinal:
		p.retired = true
		if s.probes[p.slot] == p {
			// The slot may still be awaiting; only a recovery can fill it now.
			s.probes[p.slot] = nil
			s.rtt.Forget(p.slot)
		}
		return ResultOK
	case UpcallTimedOut:
		return s.onTimeout(p)
	case UpcallContent:
		return s.onContent(p, u)
	default:
		return ResultErr
	}
}

func (s *Session) onTimeout(p *slotProbe) Result {
	s.counters.Timeouts++
	metrics.TimeoutsTotal.Inc()

	if s.finished || p.retired || s.probes[p.slot] != p || !s.buf.IsAwaiting(p.slot, p.seq) {
		return ResultOK
	}
	if s.hasFinal && p.seq > s.finalSeq {
		return ResultOK
	}

	s.logger.Debug("interest timed out", "seq", p.seq)
	s.window.OnLoss()
	metrics.PipelineWindow.Set(float64(s.window.Size()))
	s.counters.InterestsSent++
	metrics.InterestsSentTotal.Inc()
	return ResultReexpress
}

func (s *Session) onContent(p *slotProbe, u *Upcall) Result {
	if s.finished {
		return ResultOK
	}

	switch u.Class {
	case ContentVerified, ContentRaw:
	case ContentUnverified, ContentKeyMissing:
		// Trust on first use: until one response has been processed, content
		// that could not be verified is accepted as is. Every later response
		// must verify. This bootstraps a session against publishers whose key
		// is not yet known and is not a security guarantee.
		if s.counters.Received > 0 {
			if u.Class == ContentKeyMissing {
				return ResultFetchKey
			}
			return ResultVerify
		}
		s.counters.Unverified++
		metrics.UnverifiedTotal.Inc()
		s.logger.Warn("accepting unverified content", "seq", p.seq, "class", u.Class.String())
	default:
		s.logger.Warn("rejecting content", "seq", p.seq, "class", u.Class.String())
		return ResultErr
	}

	s.counters.Received++
	metrics.ContentReceivedTotal.Inc()

	if !s.buf.IsBound(p.slot, p.seq) {
		s.duplicate(p.seq)
		return ResultOK
	}

	s.counters.BytesReceived += int64(len(u.Payload))
	if u.Final {
		s.buf.MarkFinal(p.slot)
		s.finalSeq, s.hasFinal = p.seq, true
	}

	if p.seq != s.buf.Delivered() || s.buf.IsBuffered(p.slot) {
		s.observeRTT(p.slot)
		if !s.buf.Store(p.slot, u.Payload) {
			s.duplicate(p.seq)
		}
		s.window.OnOutOfOrder()
	} else {
		s.observeRTT(p.slot)
		s.probes[p.slot] = nil
		before := s.buf.DeliveredBytes()
		done, err := s.buf.Deliver(u.Payload)
		metrics.BytesDeliveredTotal.Add(float64(s.buf.DeliveredBytes() - before))
		switch {
		case err != nil:
			s.terminate(err)
			return ResultOK
		case done:
			s.terminate(nil)
			return ResultOK
		}
		s.window.OnInOrder()
	}
	metrics.PipelineWindow.Set(float64(s.window.Size()))

	s.topUp()
	return ResultOK
}

// onRecoveredContent handles content fetched by the hole filler for seq. It is
// only used when no slot probe is left to receive the same content.
func (s *Session) onRecoveredContent(seq uint64, u *Upcall) Result {
	slot := s.buf.SlotFor(seq)
	if s.finished || s.probes[slot] != nil || !s.buf.IsAwaiting(slot, seq) {
		return ResultOK
	}
	return s.onContent(&slotProbe{s: s, slot: slot, seq: seq}, u)
}

func (s *Session) duplicate(seq uint64) {
	s.counters.Duplicates++
	metrics.DuplicatesTotal.Inc()
	s.logger.Debug("discarding duplicate", "seq", seq)
}

// observeRTT completes the RTT probe for slot. The first sample arms the hole filler.
func (s *Session) observeRTT(slot int) {
	sample, ok := s.rtt.OnMatch(slot)
	if !ok {
		return
	}
	metrics.SegmentRTTSeconds.Observe(sample.Seconds())
	metrics.SmoothedRTTSeconds.Set(s.rtt.Estimate().Seconds())
	if s.holeFiller == nil {
		s.filler = newHoleFiller(s)
		s.holeFiller = s.sched.Schedule(holeFillerInitialDelay, s.filler)
	}
}
