package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arsac/ndnchunks/internal/congestion"
	"github.com/arsac/ndnchunks/internal/metrics"
	"github.com/arsac/ndnchunks/internal/names"
	"github.com/arsac/ndnchunks/internal/schedule"
)

const (
	// DefaultProbeTimeout bounds the initial wait before a stream is declared not found.
	DefaultProbeTimeout = 500 * time.Millisecond

	// DefaultPollInterval bounds each transport step when no timer is due sooner.
	DefaultPollInterval = 10 * time.Second

	// DefaultReportInterval is the period of the progress reporter.
	DefaultReportInterval = 3 * time.Second
)

// Config controls a fetch session.
type Config struct {
	Name       names.Name
	Segments   names.SegmentMode
	AllowStale bool

	// Capacity is the slot table size; MaxWindow must stay below it.
	Capacity  int
	MaxWindow int

	ProbeTimeout   time.Duration
	PollInterval   time.Duration
	ReportInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Segments:       names.SegmentDecimal,
		Capacity:       DefaultCapacity,
		MaxWindow:      congestion.DefaultMaxWindow,
		ProbeTimeout:   DefaultProbeTimeout,
		PollInterval:   DefaultPollInterval,
		ReportInterval: DefaultReportInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = min(d.MaxWindow, c.Capacity-1)
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	return c
}

// Validate checks the window bounds against the slot table.
func (c Config) Validate() error {
	if c.Capacity < 2 {
		return fmt.Errorf("capacity must be at least 2, got %d", c.Capacity)
	}
	if c.MaxWindow < 1 || c.MaxWindow >= c.Capacity {
		return fmt.Errorf("max window must be between 1 and %d, got %d", c.Capacity-1, c.MaxWindow)
	}
	if c.Name == nil {
		return fmt.Errorf("%w: name is required", ErrMalformedName)
	}
	return nil
}

// Counters are diagnostic totals for one session.
type Counters struct {
	InterestsSent int64
	Received      int64
	Duplicates    int64
	Holes         int64
	Timeouts      int64
	Unverified    int64
	BytesReceived int64
}

// State is the session lifecycle stage.
type State int

const (
	StateStarting State = iota
	StateProbing
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateProbing:
		return "probing"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session retrieves one segmented stream and writes it to a sink in order.
// A Session is single-use and not safe for concurrent use; every method must
// be called from the goroutine running Run.
type Session struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	buf    *ReorderBuffer
	window *congestion.Window
	rtt    *congestion.Estimator
	sched  *schedule.Scheduler

	// probes[i] is the interest currently responsible for slot i.
	probes []*slotProbe

	filler     *holeFiller
	holeFiller *schedule.Event
	reporter   *schedule.Event

	counters Counters
	finalSeq uint64
	hasFinal bool

	state    State
	finished bool
	err      error
	cancel   context.CancelFunc

	start, stop time.Time

	// For testability; defaults to time.Now.
	nowFunc func() time.Time
}

// NewSession creates a session that writes the stream named by cfg.Name to sink.
func NewSession(cfg Config, transport Transport, sink io.Writer, logger *slog.Logger) (*Session, error) {
	return newSession(cfg, transport, sink, logger, time.Now)
}

func newSession(cfg Config, transport Transport, sink io.Writer, logger *slog.Logger, clock func() time.Time) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}

	buf := NewReorderBuffer(cfg.Capacity, sink)
	return &Session{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "fetch", "name", cfg.Name.String()),
		buf:       buf,
		window:    congestion.NewWindow(cfg.MaxWindow),
		rtt:       congestion.NewEstimator(clock),
		sched:     schedule.New(clock),
		probes:    make([]*slotProbe, buf.Capacity()),
		nowFunc:   clock,
	}, nil
}

// Run fetches the stream until the final segment has been written, the
// initial probe yields nothing, or an unrecoverable error occurs. It returns
// nil only after the final segment has been delivered.
func (s *Session) Run(ctx context.Context) error {
	if s.state != StateStarting {
		return errors.New("session already run")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	s.start = s.nowFunc()
	s.logger.InfoContext(ctx, "fetch starting",
		"max_window", s.cfg.MaxWindow,
		"segments", s.cfg.Segments.String(),
		"allow_stale", s.cfg.AllowStale)

	s.reporter = s.sched.Schedule(0, &reporter{s: s})
	s.state = StateProbing
	s.topUp()
	deadline := s.start.Add(s.cfg.ProbeTimeout)
	for !s.finished && s.buf.Delivered() == 0 {
		wait := deadline.Sub(s.nowFunc())
		if wait <= 0 {
			break
		}
		s.step(ctx, wait)
	}
	if !s.finished && s.buf.Delivered() == 0 {
		s.terminate(fmt.Errorf("%w: %s", ErrNotFound, s.cfg.Name))
	}

	if !s.finished {
		s.state = StateDraining
	}
	for !s.finished {
		wait := s.cfg.PollInterval
		if delay, ok := s.sched.RunDue(); ok && delay < wait {
			wait = delay
		}
		if s.finished {
			break
		}
		s.step(ctx, wait)
	}

	s.teardown(ctx)
	return s.err
}

// step runs one bounded transport step and turns its failure into termination.
func (s *Session) step(ctx context.Context, wait time.Duration) {
	err := s.transport.Run(ctx, wait)
	if s.finished {
		return
	}
	switch {
	case ctx.Err() != nil:
		s.terminate(fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx)))
	case errors.Is(err, ErrTransportClosed):
		s.terminate(err)
	case err != nil:
		s.terminate(fmt.Errorf("%w: %w", ErrTransportClosed, err))
	}
}

// terminate records the outcome and wakes the transport step in progress.
// Only the first call has any effect.
func (s *Session) terminate(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) teardown(ctx context.Context) {
	s.sched.Close()
	s.stop = s.nowFunc()
	s.state = StateTerminated

	result := metrics.ResultSuccess
	if s.err != nil {
		result = metrics.ResultFailure
	}
	metrics.SessionsTotal.WithLabelValues(result).Inc()
	metrics.SessionDuration.WithLabelValues(result).Observe(s.stop.Sub(s.start).Seconds())
	metrics.OutstandingSegments.Set(0)

	s.report()
	if s.err != nil {
		s.logger.WarnContext(ctx, "fetch failed",
			"delivered", s.buf.Delivered(),
			"bytes", s.buf.DeliveredBytes(),
			"error", s.err)
		return
	}
	s.logger.InfoContext(ctx, "fetch complete",
		"segments", s.buf.Delivered(),
		"bytes", s.buf.DeliveredBytes(),
		"elapsed", s.stop.Sub(s.start))
}

// Summary returns totals for the session so far.
func (s *Session) Summary() Summary {
	end := s.stop
	if s.state != StateTerminated {
		end = s.nowFunc()
	}
	var elapsed time.Duration
	if !s.start.IsZero() {
		elapsed = end.Sub(s.start)
	}
	return Summary{
		Bytes:    s.buf.DeliveredBytes(),
		Segments: s.buf.Delivered(),
		Elapsed:  elapsed,
	}
}

// Stats contains a snapshot of session state.
type Stats struct {
	State       State
	Counters    Counters
	Delivered   uint64
	Outstanding int
	Window      int
	RTT         congestion.RTTStats
	Recoveries  int // Recovery interests in flight.
}

// Stats returns current session statistics.
func (s *Session) Stats() Stats {
	return Stats{
		State:       s.state,
		Counters:    s.counters,
		Delivered:   s.buf.Delivered(),
		Outstanding: s.buf.Outstanding(),
		Window:      s.window.Size(),
		RTT:         s.rtt.Stats(),
		Recoveries:  s.recoveries(),
	}
}

func (s *Session) recoveries() int {
	if s.filler == nil {
		return 0
	}
	return s.filler.Outstanding()
}
