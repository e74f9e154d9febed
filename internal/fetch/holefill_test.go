package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsac/ndnchunks/internal/schedule"
)

// stalledSession returns a session with segment 0 outstanding and a smoothed
// RTT estimate of rtt.
func stalledSession(t *testing.T, rtt time.Duration) (*Session, *fakeTransport, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(16, 8), ft, &sinkBuffer{}, clk)

	s.ask(0)
	clk.Advance(rtt)
	_, ok := s.rtt.OnMatch(0)
	require.True(t, ok)
	require.Equal(t, rtt, s.rtt.Estimate())
	return s, ft, clk
}

func TestHoleFiller_BackoffGrowsThenPlateaus(t *testing.T) {
	s, ft, clk := stalledSession(t, 50*time.Millisecond)
	h := newHoleFiller(s)

	var delays []time.Duration
	for range 10 {
		d := h.Fire(clk.Now())
		delays = append(delays, d)
		clk.Advance(d)
	}

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{
		100 * ms, 200 * ms, 400 * ms, 800 * ms, 1600 * ms, 3200 * ms,
		6400 * ms, 6400 * ms, 6400 * ms, 6400 * ms,
	}, delays)
	assert.Equal(t, uint(7), h.backoff, "stops once 6s>>n no longer exceeds the estimate")

	assert.Equal(t, int64(1), s.counters.Holes, "one recovery per stall")
	assert.Equal(t, []uint64{0, 0}, ft.sent)
	assert.Equal(t, 1, h.Outstanding())
}

func TestHoleFiller_NonDecreasingForAnyEstimate(t *testing.T) {
	for _, rtt := range []time.Duration{200 * time.Microsecond, 3 * time.Millisecond, 700 * time.Millisecond, 7 * time.Second} {
		s, _, clk := stalledSession(t, rtt)
		h := newHoleFiller(s)

		prev := time.Duration(0)
		for range 40 {
			d := h.Fire(clk.Now())
			require.GreaterOrEqual(t, d, prev)
			require.GreaterOrEqual(t, d, minHoleCheckDelay)
			require.LessOrEqual(t, h.backoff, uint(maxBackoffExponent))
			prev = d
			clk.Advance(d)
		}
		assert.LessOrEqual(t, backoffThreshold>>h.backoff, s.rtt.Estimate(), "plateau reached for %v", rtt)
	}
}

func TestHoleFiller_HoleForcesWindowToOne(t *testing.T) {
	s, _, clk := stalledSession(t, 20*time.Millisecond)
	s.window.OnInOrder()
	s.window.OnInOrder()
	require.Equal(t, 3, s.window.Size())

	newHoleFiller(s).Fire(clk.Now())

	assert.Equal(t, 1, s.window.Size())
}

func TestHoleFiller_ProgressResetsBackoff(t *testing.T) {
	s, ft, clk := stalledSession(t, 50*time.Millisecond)
	h := newHoleFiller(s)

	h.Fire(clk.Now())
	h.Fire(clk.Now())
	require.Equal(t, uint(2), h.backoff)

	ft.respond(ft.take(0), []byte("a"), false)
	d := h.Fire(clk.Now())

	assert.Equal(t, uint(0), h.backoff)
	assert.Equal(t, s.rtt.Estimate(), d)
	assert.Equal(t, uint64(1), h.lastCheck)
}

func TestHoleFiller_IdleWithNothingOutstanding(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(16, 8), ft, &sinkBuffer{}, clk)
	h := newHoleFiller(s)
	h.backoff = 5

	d := h.Fire(clk.Now())

	assert.Equal(t, minHoleCheckDelay, d)
	assert.Equal(t, uint(0), h.backoff, "an idle check resets the backoff")
	assert.Equal(t, uint64(0), h.lastCheck)
	assert.Equal(t, int64(0), s.counters.Holes)
	assert.Empty(t, ft.sent)
}

func TestHoleFiller_RecoversRejectedSegment(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(16, 8), ft, sink, clk)

	s.ask(0)
	s.ask(1)
	clk.Advance(20 * time.Millisecond)
	require.Equal(t, ResultErr, ft.respondClass(ft.take(0), []byte("forged"), false, ContentInvalid))
	require.Nil(t, s.probes[0], "rejected slot interest is retired")
	require.Equal(t, ResultOK, ft.respond(ft.take(1), []byte("b"), true))
	require.NotNil(t, s.filler)

	s.filler.Fire(clk.Now())
	require.Equal(t, []uint64{0, 1, 0}, ft.sent)

	assert.Equal(t, ResultOK, ft.respond(ft.take(0), []byte("a"), false))
	assert.Equal(t, "ab", sink.String())
	assert.True(t, s.finished)
	assert.NoError(t, s.err)
	assert.Equal(t, int64(1), s.rtt.Stats().Samples, "a retired interest yields no RTT sample")
	assert.Equal(t, 0, s.filler.Outstanding())
}

func TestHoleFiller_ResendsWhenRecoveryRejected(t *testing.T) {
	s, ft, clk := stalledSession(t, 50*time.Millisecond)
	require.Equal(t, ResultErr, ft.respondClass(ft.take(0), []byte("forged"), false, ContentInvalid))
	h := newHoleFiller(s)

	h.Fire(clk.Now())
	require.Equal(t, ResultErr, ft.respondClass(ft.take(0), []byte("forged"), false, ContentInvalid))
	require.Equal(t, 0, h.Outstanding())

	h.Fire(clk.Now())
	assert.Equal(t, []uint64{0, 0, 0}, ft.sent)
	assert.Equal(t, int64(1), s.counters.Holes, "still the same stall")

	h.Fire(clk.Now())
	assert.Len(t, ft.sent, 3, "one recovery in flight at a time")

	ft.respond(ft.take(0), []byte("a"), false)
	assert.Equal(t, uint64(1), s.buf.Delivered())
}

func TestHoleFiller_RecoveryRetires(t *testing.T) {
	s, ft, clk := stalledSession(t, 50*time.Millisecond)
	h := newHoleFiller(s)
	h.Fire(clk.Now())
	require.Equal(t, 1, h.Outstanding())

	slot, recovery := ft.take(0), ft.take(0)
	assert.Equal(t, ResultOK, ft.respond(recovery, []byte("a"), false))
	assert.Equal(t, 0, h.Outstanding())
	assert.Equal(t, uint64(0), s.buf.Delivered(), "recovery content is delivered through the slot probe")

	ft.respond(slot, []byte("a"), false)
	assert.Equal(t, uint64(1), s.buf.Delivered())
}

func TestHoleFiller_ReleaseDetachesRecoveries(t *testing.T) {
	s, ft, _ := stalledSession(t, 50*time.Millisecond)
	h := newHoleFiller(s)
	ev := s.sched.Schedule(0, h)
	s.sched.RunDue()
	require.Equal(t, 1, h.Outstanding())

	ev.Cancel()
	ev.Cancel()

	assert.False(t, ev.Active())
	assert.True(t, h.released)
	assert.Equal(t, 0, h.Outstanding())

	_ = ft.take(0)
	recovery := ft.take(0)
	assert.NotPanics(t, func() { ft.timeout(recovery) })
}

func TestHoleFiller_StopsWhenFinished(t *testing.T) {
	s, _, clk := stalledSession(t, 50*time.Millisecond)
	h := newHoleFiller(s)
	s.terminate(nil)

	assert.Equal(t, schedule.Stop, h.Fire(clk.Now()))
}

func TestSession_FirstRTTSampleArmsHoleFiller(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(16, 8), ft, &sinkBuffer{}, clk)

	s.ask(0)
	assert.Nil(t, s.holeFiller)

	clk.Advance(30 * time.Millisecond)
	ft.respond(ft.take(0), []byte("a"), false)

	require.NotNil(t, s.holeFiller)
	assert.Equal(t, clk.Now().Add(holeFillerInitialDelay), s.holeFiller.Due())
}
