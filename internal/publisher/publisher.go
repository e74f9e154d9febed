// Package publisher serves a byte stream as numbered segments under a name
// prefix, answering interests over the Segments gRPC service.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arsac/ndnchunks/internal/metrics"
	"github.com/arsac/ndnchunks/internal/names"
	"github.com/arsac/ndnchunks/internal/wire"
)

const (
	// DefaultSegmentSize is the payload size of every segment but the last.
	DefaultSegmentSize = 4096

	// MaxSegmentSize keeps a segment within one rate limiter burst.
	MaxSegmentSize = rateLimiterBurst

	// rateLimiterBurst is the burst size for rate limiting (1MB).
	rateLimiterBurst = 1024 * 1024
)

var (
	// ErrNoPrefix indicates the publisher was configured without a name prefix.
	ErrNoPrefix = errors.New("publisher prefix is required")

	// ErrSegmentSize indicates an unusable segment size.
	ErrSegmentSize = errors.New("segment size out of range")
)

var _ wire.SegmentsServer = (*Publisher)(nil)

// Config configures a Publisher.
type Config struct {
	Prefix      names.Name
	SegmentSize int

	// FreshnessPeriod is how long published content stays fresh.
	// Zero means never stale.
	FreshnessPeriod time.Duration

	// Digest attaches a SHA-256 digest to every segment. Interests that
	// require verification always get one.
	Digest bool

	// MaxBytesPerSec caps the payload rate across all interests.
	// Zero means unlimited.
	MaxBytesPerSec int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SegmentSize: DefaultSegmentSize,
		Digest:      true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Prefix) == 0 {
		return ErrNoPrefix
	}
	if c.SegmentSize <= 0 || c.SegmentSize > MaxSegmentSize {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrSegmentSize, c.SegmentSize, MaxSegmentSize)
	}
	if c.FreshnessPeriod < 0 {
		return errors.New("freshness period must not be negative")
	}
	if c.MaxBytesPerSec < 0 {
		return errors.New("max bytes per second must not be negative")
	}
	return nil
}

// snapshot is one published version of the content.
type snapshot struct {
	version   uint64
	segments  [][]byte
	published time.Time
}

// Publisher holds segmented content and answers interests for it.
type Publisher struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	group   singleflight.Group

	mu      sync.RWMutex
	current *snapshot

	// Stats.
	served   atomic.Int64
	bytes    atomic.Int64
	rejected atomic.Int64

	nowFunc func() time.Time
}

// New creates a Publisher with no content; Express answers NotFound until
// Load succeeds.
func New(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		cfg:     cfg,
		logger:  logger.With("component", "publisher", "prefix", cfg.Prefix.String()),
		nowFunc: time.Now,
	}
	if cfg.MaxBytesPerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSec), rateLimiterBurst)
	}
	return p, nil
}

// Load reads r to the end and publishes it as a new version, replacing any
// content loaded before. Empty input publishes one empty final segment.
func (p *Publisher) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}

	segments := split(data, p.cfg.SegmentSize)

	p.mu.Lock()
	var version uint64
	if p.current != nil {
		version = p.current.version + 1
	}
	p.current = &snapshot{
		version:   version,
		segments:  segments,
		published: p.nowFunc(),
	}
	p.mu.Unlock()

	p.logger.Info("content published",
		"version", version,
		"bytes", len(data),
		"segments", len(segments))
	return nil
}

func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	segments := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		segments = append(segments, data[off:min(off+size, len(data))])
	}
	return segments
}

// Segments returns the number of segments currently published.
func (p *Publisher) Segments() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return 0
	}
	return len(p.current.segments)
}

// Express answers one interest. Names outside the prefix, malformed or
// out-of-range segment numbers and stale content all yield codes.NotFound.
func (p *Publisher) Express(ctx context.Context, in *wire.Interest) (*wire.Content, error) {
	name, err := names.ParseURI(in.Name)
	if err != nil {
		return nil, p.reject(metrics.ReasonMalformed, in.Name, err)
	}
	if len(name) != len(p.cfg.Prefix)+1 || !name.HasPrefix(p.cfg.Prefix) {
		return nil, p.reject(metrics.ReasonNotFound, in.Name, nil)
	}
	seq, _, err := names.DetectSegment(name.Last())
	if err != nil {
		return nil, p.reject(metrics.ReasonMalformed, in.Name, err)
	}

	p.mu.RLock()
	snap := p.current
	p.mu.RUnlock()
	if snap == nil || seq >= uint64(len(snap.segments)) {
		return nil, p.reject(metrics.ReasonNotFound, in.Name, nil)
	}
	if p.stale(snap) && !in.AllowsStale() {
		return nil, p.reject(metrics.ReasonStale, in.Name, nil)
	}

	withDigest := p.cfg.Digest || in.RequiresVerification()
	key := strconv.FormatUint(snap.version, 10) + "/" +
		strconv.FormatUint(seq, 10) + "/" + strconv.FormatBool(withDigest)
	v, _, _ := p.group.Do(key, func() (any, error) {
		return p.build(snap, seq, withDigest), nil
	})
	built, ok := v.(*wire.Content)
	if !ok {
		return nil, status.Errorf(codes.Internal, "unexpected type from singleflight: %T", v)
	}

	if err := p.waitForRateLimit(ctx, len(built.Payload)); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	p.served.Add(1)
	p.bytes.Add(int64(len(built.Payload)))
	metrics.SegmentsServedTotal.Inc()
	metrics.BytesServedTotal.Add(float64(len(built.Payload)))

	// The response names what was asked for, in the requester's encoding.
	out := *built
	out.Name = in.Name
	return &out, nil
}

func (p *Publisher) build(snap *snapshot, seq uint64, withDigest bool) *wire.Content {
	payload := snap.segments[seq]
	c := &wire.Content{Payload: string(payload)}
	if seq == uint64(len(snap.segments)-1) {
		c.Final = 1
	}
	if withDigest {
		c.Digest = wire.Digest(payload)
	}
	return c
}

func (p *Publisher) stale(snap *snapshot) bool {
	return p.cfg.FreshnessPeriod > 0 && p.nowFunc().Sub(snap.published) > p.cfg.FreshnessPeriod
}

func (p *Publisher) reject(reason, name string, cause error) error {
	p.rejected.Add(1)
	metrics.InterestsRejectedTotal.WithLabelValues(reason).Inc()
	if cause != nil {
		p.logger.Debug("interest rejected", "name", name, "reason", reason, "error", cause)
	} else {
		p.logger.Debug("interest rejected", "name", name, "reason", reason)
	}
	return status.Errorf(codes.NotFound, "%s: %s", reason, name)
}

func (p *Publisher) waitForRateLimit(ctx context.Context, bytes int) error {
	if p.limiter == nil {
		return nil
	}
	remaining := bytes
	for remaining > 0 {
		n := min(remaining, p.limiter.Burst())
		if err := p.limiter.WaitN(ctx, n); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// Stats contains publisher statistics.
type Stats struct {
	Segments int   // Segments currently published.
	Served   int64 // Interests answered with content.
	Bytes    int64 // Payload bytes served.
	Rejected int64 // Interests answered with NotFound.
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Segments: p.Segments(),
		Served:   p.served.Load(),
		Bytes:    p.bytes.Load(),
		Rejected: p.rejected.Load(),
	}
}
