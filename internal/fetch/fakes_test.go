package fetch

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arsac/ndnchunks/internal/names"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// pendingInterest is an interest the fake transport has not answered yet.
type pendingInterest struct {
	in          Interest
	h           Handler
	seq         uint64
	expressions int
	mustVerify  bool
}

// fakeTransport queues expressed interests; tests answer them explicitly or
// through step, which replaces Run.
type fakeTransport struct {
	t       *testing.T
	clk     *fakeClock
	pending []*pendingInterest
	sent    []uint64 // Sequence number of every Express call.
	results []Result // Handler results, in delivery order.

	step func(ctx context.Context, maxWait time.Duration) error
}

func newFakeTransport(t *testing.T, clk *fakeClock) *fakeTransport {
	return &fakeTransport{t: t, clk: clk}
}

func (f *fakeTransport) Express(in Interest, h Handler) error {
	seq, _, err := names.DetectSegment(in.Name.Last())
	require.NoError(f.t, err)
	f.pending = append(f.pending, &pendingInterest{in: in, h: h, seq: seq, expressions: 1})
	f.sent = append(f.sent, seq)
	return nil
}

func (f *fakeTransport) Run(ctx context.Context, maxWait time.Duration) error {
	if f.step != nil {
		return f.step(ctx, maxWait)
	}
	f.clk.Advance(maxWait)
	return ctx.Err()
}

// take removes and returns the oldest pending interest for seq.
func (f *fakeTransport) take(seq uint64) *pendingInterest {
	for i, p := range f.pending {
		if p.seq == seq {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return p
		}
	}
	require.FailNow(f.t, "no pending interest", "seq %d", seq)
	return nil
}

// takeAll removes and returns every pending interest.
func (f *fakeTransport) takeAll() []*pendingInterest {
	all := f.pending
	f.pending = nil
	return all
}

func (f *fakeTransport) respond(p *pendingInterest, payload []byte, final bool) Result {
	return f.respondClass(p, payload, final, ContentVerified)
}

func (f *fakeTransport) respondClass(p *pendingInterest, payload []byte, final bool, class Classification) Result {
	res := p.h.Upcall(&Upcall{
		Kind:    UpcallContent,
		Name:    p.in.Name,
		Payload: payload,
		Class:   class,
		Final:   final,
	})
	f.settle(p, res)
	return res
}

func (f *fakeTransport) timeout(p *pendingInterest) Result {
	res := p.h.Upcall(&Upcall{Kind: UpcallTimedOut, Name: p.in.Name})
	f.settle(p, res)
	return res
}

// settle re-queues p or retires it, as the handler asked.
func (f *fakeTransport) settle(p *pendingInterest, res Result) {
	f.results = append(f.results, res)
	switch res {
	case ResultReexpress, ResultVerify, ResultFetchKey:
		p.expressions++
		p.mustVerify = p.mustVerify || res != ResultReexpress
		f.pending = append(f.pending, p)
	default:
		p.h.Upcall(&Upcall{Kind: UpcallFinal, Name: p.in.Name})
	}
}

// loopback answers every pending interest on each Run, in random order,
// timing out a fraction of them.
type loopback struct {
	*fakeTransport
	segments [][]byte
	rng      *rand.Rand
	loss     float64
	latency  time.Duration

	// Called after every step.
	check func()
}

func newLoopback(t *testing.T, clk *fakeClock, segments [][]byte, seed int64) *loopback {
	lb := &loopback{
		fakeTransport: newFakeTransport(t, clk),
		segments:      segments,
		rng:           rand.New(rand.NewSource(seed)),
		latency:       5 * time.Millisecond,
	}
	lb.step = lb.run
	return lb
}

func (lb *loopback) run(ctx context.Context, maxWait time.Duration) error {
	batch := lb.takeAll()
	if len(batch) == 0 {
		lb.clk.Advance(maxWait)
	} else {
		lb.clk.Advance(min(lb.latency, maxWait))
	}

	lb.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	for _, p := range batch {
		switch {
		case p.seq >= uint64(len(lb.segments)):
			lb.timeout(p)
		case lb.rng.Float64() < lb.loss:
			lb.timeout(p)
		default:
			lb.respond(p, lb.segments[p.seq], p.seq == uint64(len(lb.segments)-1))
		}
		if lb.check != nil {
			lb.check()
		}
	}
	return ctx.Err()
}

func testConfig(capacity, maxWindow int) Config {
	cfg := DefaultConfig()
	cfg.Name = names.MustParseURI("ndn:/test/stream")
	cfg.Capacity = capacity
	cfg.MaxWindow = maxWindow
	return cfg
}

func newTestSession(t *testing.T, cfg Config, tr Transport, sink *sinkBuffer, clk *fakeClock) *Session {
	t.Helper()
	s, err := newSession(cfg, tr, sink, nil, clk.Now)
	require.NoError(t, err)
	return s
}

// sinkBuffer records every write separately.
type sinkBuffer struct {
	writes [][]byte
}

func (b *sinkBuffer) Write(p []byte) (int, error) {
	b.writes = append(b.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (b *sinkBuffer) String() string {
	var out []byte
	for _, w := range b.writes {
		out = append(out, w...)
	}
	return string(out)
}
