package fetch

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsac/ndnchunks/internal/names"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "window at capacity minus one", modify: func(c *Config) { c.MaxWindow = c.Capacity - 1 }},
		{name: "window at capacity", modify: func(c *Config) { c.MaxWindow = c.Capacity }, wantErr: true},
		{name: "no name", modify: func(c *Config) { c.Name = nil }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(DefaultCapacity, 31)
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSession_RejectsOversizedWindow(t *testing.T) {
	clk := newFakeClock()
	_, err := newSession(testConfig(4, 4), newFakeTransport(t, clk), &sinkBuffer{}, nil, clk.Now)
	assert.Error(t, err)
}

func TestSession_OutOfOrderDrainTerminates(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(4, 2), ft, sink, clk)

	for seq := range uint64(3) {
		s.ask(seq)
	}
	require.Equal(t, 3, s.buf.Outstanding())

	ft.respond(ft.take(2), []byte("c"), true)
	assert.True(t, s.buf.IsBuffered(2))
	assert.Empty(t, sink.writes)

	ft.respond(ft.take(1), []byte("b"), false)
	assert.True(t, s.buf.IsBuffered(1))
	assert.Empty(t, sink.writes)

	ft.respond(ft.take(0), []byte("a"), false)

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sink.writes)
	assert.True(t, s.finished)
	assert.NoError(t, s.err)
	assert.Equal(t, uint64(3), s.buf.Delivered())
	assert.Empty(t, ft.pending, "no interests issued after the final segment")
}

func TestSession_RunDeliversSmallStream(t *testing.T) {
	clk := newFakeClock()
	segments := [][]byte{[]byte("hello "), []byte("named "), []byte("data")}
	lb := newLoopback(t, clk, segments, 1)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(DefaultCapacity, 31), lb, sink, clk)

	err := s.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "hello named data", sink.String())
	assert.Equal(t, StateTerminated, s.Stats().State)

	sum := s.Summary()
	assert.Equal(t, int64(16), sum.Bytes)
	assert.Equal(t, uint64(3), sum.Segments)
	assert.Positive(t, sum.Elapsed)
	assert.False(t, s.reporter.Active(), "reporter cancelled at teardown")
}

func TestSession_InOrderUnderLossAndReordering(t *testing.T) {
	for _, seed := range []int64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			segments := make([][]byte, 300)
			var want bytes.Buffer
			for i := range segments {
				seg := make([]byte, 1+rng.Intn(64))
				rng.Read(seg)
				segments[i] = seg
				want.Write(seg)
			}

			clk := newFakeClock()
			lb := newLoopback(t, clk, segments, seed)
			lb.loss = 0.1
			sink := &sinkBuffer{}
			cfg := testConfig(16, 8)
			s := newTestSession(t, cfg, lb, sink, clk)

			var lastDelivered uint64
			lb.check = func() {
				require.Less(t, s.buf.Outstanding(), cfg.Capacity)
				require.GreaterOrEqual(t, s.window.Size(), 1)
				require.LessOrEqual(t, s.window.Size(), cfg.MaxWindow)
				require.GreaterOrEqual(t, s.buf.Delivered(), lastDelivered)
				lastDelivered = s.buf.Delivered()
			}

			err := s.Run(context.Background())

			require.NoError(t, err)
			assert.Equal(t, want.String(), sink.String())
			assert.Equal(t, uint64(len(segments)), s.buf.Delivered())
			assert.Positive(t, s.counters.Timeouts)
		})
	}
}

func TestSession_NotFound(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(DefaultCapacity, 31), ft, sink, clk)

	err := s.Run(context.Background())

	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, sink.writes)
	assert.Equal(t, []uint64{0}, ft.sent)
	assert.Equal(t, int64(0), s.Summary().Bytes)
	assert.Equal(t, DefaultProbeTimeout, s.Summary().Elapsed)
}

func TestSession_DuplicateResponse(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(8, 4), ft, sink, clk)

	s.ask(0)
	s.ask(0)
	first, second := ft.take(0), ft.take(0)

	ft.respond(first, []byte("a"), false)
	require.Equal(t, uint64(1), s.buf.Delivered())

	res := ft.respond(second, []byte("a"), false)

	assert.Equal(t, ResultOK, res)
	assert.Equal(t, uint64(1), s.buf.Delivered())
	assert.Len(t, sink.writes, 1)
	assert.Equal(t, int64(1), s.counters.Duplicates)
}

func TestSession_TimeoutReexpressesAndShrinksWindow(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(16, 8), ft, sink, clk)

	s.topUp()
	for seq := range uint64(4) {
		ft.respond(ft.take(seq), []byte{byte(seq)}, false)
	}
	require.Equal(t, 5, s.window.Size())
	sent := s.counters.InterestsSent

	res := ft.timeout(ft.take(4))

	assert.Equal(t, ResultReexpress, res)
	assert.Equal(t, 1, s.window.Size())
	assert.Equal(t, int64(1), s.counters.Timeouts)
	assert.Equal(t, sent+1, s.counters.InterestsSent)
}

func TestSession_TimeoutOfSupersededProbeIgnored(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(8, 4), ft, &sinkBuffer{}, clk)

	s.ask(0)
	s.ask(0)
	stale := ft.take(0)
	sent := s.counters.InterestsSent

	res := ft.timeout(stale)

	assert.Equal(t, ResultOK, res)
	assert.Equal(t, int64(1), s.counters.Timeouts)
	assert.Equal(t, sent, s.counters.InterestsSent)
}

func TestSession_TrustOnFirstUse(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(8, 4), ft, sink, clk)

	s.ask(0)
	res := ft.respondClass(ft.take(0), []byte("a"), false, ContentUnverified)
	require.Equal(t, ResultOK, res)
	assert.Equal(t, int64(1), s.counters.Unverified)

	require.NotEmpty(t, ft.pending)
	next := ft.take(1)
	assert.Equal(t, ResultVerify, ft.respondClass(next, []byte("b"), false, ContentUnverified))
	assert.Equal(t, ResultFetchKey, ft.respondClass(ft.take(1), []byte("b"), false, ContentKeyMissing))
	assert.Equal(t, "a", sink.String())

	p := ft.take(1)
	assert.True(t, p.mustVerify)
	assert.Equal(t, ResultOK, ft.respond(p, []byte("b"), false))
	assert.Equal(t, "ab", sink.String())
	assert.Equal(t, int64(1), s.counters.Unverified)
}

func TestSession_InvalidContentRejected(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(8, 4), ft, sink, clk)

	s.ask(0)
	res := ft.respondClass(ft.take(0), []byte("forged"), false, ContentInvalid)

	assert.Equal(t, ResultErr, res)
	assert.Empty(t, sink.writes)
	assert.False(t, s.finished, "content errors do not end the session")
	assert.Equal(t, int64(0), s.counters.Received)
}

func TestSession_SinkFailureIsFatal(t *testing.T) {
	clk := newFakeClock()
	lb := newLoopback(t, clk, [][]byte{[]byte("a"), []byte("b")}, 1)
	s, err := newSession(testConfig(8, 4), lb, failingWriter{}, nil, clk.Now)
	require.NoError(t, err)

	err = s.Run(context.Background())

	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, StateTerminated, s.state)
}

func TestSession_Interrupted(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	sink := &sinkBuffer{}
	s := newTestSession(t, testConfig(8, 4), ft, sink, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ft.step = func(runCtx context.Context, _ time.Duration) error {
		if s.buf.Delivered() == 0 {
			ft.respond(ft.take(0), []byte("a"), false)
			return nil
		}
		cancel()
		return runCtx.Err()
	}

	err := s.Run(ctx)

	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, "a", sink.String())
}

func TestSession_TransportClosed(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(8, 4), ft, &sinkBuffer{}, clk)
	ft.step = func(context.Context, time.Duration) error {
		return ErrTransportClosed
	}

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestSession_RunTwice(t *testing.T) {
	clk := newFakeClock()
	lb := newLoopback(t, clk, [][]byte{[]byte("x")}, 1)
	s := newTestSession(t, testConfig(8, 4), lb, &sinkBuffer{}, clk)

	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
}

func TestSession_MarkerSegments(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	cfg := testConfig(8, 4)
	cfg.Segments = names.SegmentMarked
	cfg.AllowStale = true
	s := newTestSession(t, cfg, ft, &sinkBuffer{}, clk)

	s.ask(0)
	p := ft.take(0)

	assert.Equal(t, names.Component{names.SegmentMarker}, p.in.Name.Last())
	assert.True(t, p.in.AllowStale)
}

func TestSession_StopsAskingPastFinal(t *testing.T) {
	clk := newFakeClock()
	ft := newFakeTransport(t, clk)
	s := newTestSession(t, testConfig(16, 8), ft, &sinkBuffer{}, clk)

	s.topUp()
	ft.respond(ft.take(0), []byte("a"), false)
	ft.respond(ft.take(1), []byte("b"), false)
	ft.respond(ft.take(3), []byte("d"), true)
	sent := len(ft.sent)

	// Anything past the final segment is no longer requested or re-expressed.
	for _, p := range ft.takeAll() {
		if p.seq > 3 {
			assert.Equal(t, ResultOK, ft.timeout(p))
		}
	}
	s.topUp()
	assert.Len(t, ft.sent, sent)
}
