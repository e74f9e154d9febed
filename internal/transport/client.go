// Package transport carries segment interests to a publisher over gRPC and
// reports the outcomes to fetch handlers on the session goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/arsac/ndnchunks/internal/fetch"
	"github.com/arsac/ndnchunks/internal/utils"
	"github.com/arsac/ndnchunks/internal/wire"
)

const (
	// gRPC keepalive parameters.
	keepaliveTime    = 30 * time.Second // Send pings every 30 seconds if no activity
	keepaliveTimeout = 10 * time.Second // Wait 10 seconds for ping ack

	// DefaultInterestLifetime is how long an interest may stay unanswered.
	DefaultInterestLifetime = 4 * time.Second

	// DefaultMaxInFlight bounds concurrent RPCs.
	DefaultMaxInFlight = 128

	// resultQueueSize buffers completed RPCs between Run calls.
	resultQueueSize = 256
)

var _ fetch.Transport = (*Client)(nil)

// Config configures the gRPC transport.
type Config struct {
	Addr             string
	InterestLifetime time.Duration
	MaxInFlight      int64

	// DeferVerify classifies content without a digest as raw instead of
	// unverified, for callers that discard the payload anyway.
	DeferVerify bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		InterestLifetime: DefaultInterestLifetime,
		MaxInFlight:      DefaultMaxInFlight,
	}
}

// entry is a pending interest, keyed by name like a pending interest table.
// Its fields are owned by the goroutine calling Express and Run.
type entry struct {
	key        string
	in         fetch.Interest
	h          fetch.Handler
	mustVerify bool

	gen    uint64 // Incremented on every (re-)expression.
	cancel context.CancelFunc
	done   bool
}

// result is the outcome of one RPC attempt.
type result struct {
	e       *entry
	gen     uint64
	content *wire.Content
	err     error
}

// Client is a fetch.Transport backed by the Segments gRPC service.
//
// RPCs run on their own goroutines; their results are queued and handed to
// handlers only from Run, so handlers always execute on the session goroutine.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn    *grpc.ClientConn
	client  wire.SegmentsClient
	health  healthpb.HealthClient
	limiter *semaphore.Weighted

	pending map[string][]*entry
	results chan result

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	closed   atomic.Bool

	// Stats.
	expressed atomic.Int64
	satisfied atomic.Int64
	failed    atomic.Int64
}

// NewClient creates a transport connected to cfg.Addr. The connection is
// established lazily; call Validate to fail fast.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := grpc.NewClient(
		cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true, // Send pings even without active streams
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return newClient(cfg, conn, logger), nil
}

func newClient(cfg Config, conn *grpc.ClientConn, logger *slog.Logger) *Client {
	if cfg.InterestLifetime <= 0 {
		cfg.InterestLifetime = DefaultInterestLifetime
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "transport"),
		conn:    conn,
		client:  wire.NewSegmentsClient(conn),
		health:  healthpb.NewHealthClient(conn),
		limiter: semaphore.NewWeighted(cfg.MaxInFlight),
		pending: make(map[string][]*entry),
		results: make(chan result, resultQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Validate checks that the publisher is reachable and serving.
func (c *Client) Validate(ctx context.Context) error {
	cfg := utils.DefaultRetryConfig()
	cfg.RetriableChecker = IsTransientError

	_, err := utils.Retry(ctx, cfg, c.logger, "health check", func(ctx context.Context) (struct{}, error) {
		resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: wire.ServiceName})
		if err != nil {
			return struct{}{}, err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return struct{}{}, status.Errorf(codes.Unavailable, "publisher is %s", resp.GetStatus())
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("publisher not reachable: %w", err)
	}
	return nil
}

// Express sends an interest for in.Name; h receives the outcome from Run.
func (c *Client) Express(in fetch.Interest, h fetch.Handler) error {
	if c.closed.Load() {
		return fetch.ErrTransportClosed
	}
	e := &entry{
		key: in.Name.String(),
		in:  in,
		h:   h,
	}
	c.pending[e.key] = append(c.pending[e.key], e)
	c.launch(e)
	return nil
}

// launch starts an RPC attempt for e, superseding any attempt still running.
func (c *Client) launch(e *entry) {
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.InterestLifetime)
	e.cancel = cancel
	req := wire.NewInterest(e.in.Name, e.in.AllowStale, e.mustVerify)
	c.expressed.Add(1)

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer cancel()

		if err := c.limiter.Acquire(ctx, 1); err != nil {
			c.deliver(result{e: e, gen: gen, err: err})
			return
		}
		out, err := c.client.Express(ctx, req)
		c.limiter.Release(1)
		if err != nil {
			// An unanswered interest only times out once its lifetime is up.
			<-ctx.Done()
		}
		c.deliver(result{e: e, gen: gen, content: out, err: err})
	}()
}

func (c *Client) deliver(r result) {
	select {
	case c.results <- r:
	case <-c.ctx.Done():
	}
}

// Run dispatches completed RPCs to their handlers until maxWait elapses or
// ctx is done.
func (c *Client) Run(ctx context.Context, maxWait time.Duration) error {
	if c.closed.Load() {
		return fetch.ErrTransportClosed
	}

	timer := time.NewTimer(max(maxWait, 0))
	defer timer.Stop()
	for {
		select {
		case r := <-c.results:
			c.dispatch(r)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return fetch.ErrTransportClosed
		}
	}
}

func (c *Client) dispatch(r result) {
	e := r.e
	if e.done || r.gen != e.gen {
		return
	}

	if r.err != nil {
		c.failed.Add(1)
		c.logger.Debug("interest unsatisfied",
			"name", e.key,
			"code", GRPCErrorCode(r.err).String(),
			"error", r.err)
		c.upcall(e, &fetch.Upcall{Kind: fetch.UpcallTimedOut, Name: e.in.Name})
		return
	}

	// Content satisfies every interest pending on the same name.
	class := c.classify(r.content)
	payload := []byte(r.content.Payload)
	for _, pe := range slices.Clone(c.pending[e.key]) {
		if pe.done {
			continue
		}
		c.satisfied.Add(1)
		c.upcall(pe, &fetch.Upcall{
			Kind:    fetch.UpcallContent,
			Name:    pe.in.Name,
			Payload: payload,
			Class:   class,
			Final:   r.content.IsFinal(),
		})
	}
}

func (c *Client) classify(content *wire.Content) fetch.Classification {
	switch content.CheckDigest() {
	case wire.DigestMatch:
		return fetch.ContentVerified
	case wire.DigestMismatch:
		return fetch.ContentInvalid
	default:
		if c.cfg.DeferVerify {
			return fetch.ContentRaw
		}
		return fetch.ContentUnverified
	}
}

// upcall delivers u and applies the handler's result to e.
func (c *Client) upcall(e *entry, u *fetch.Upcall) {
	switch res := e.h.Upcall(u); res {
	case fetch.ResultReexpress:
		c.relaunch(e)
	case fetch.ResultVerify, fetch.ResultFetchKey:
		e.mustVerify = true
		c.relaunch(e)
	default:
		c.retire(e)
	}
}

func (c *Client) relaunch(e *entry) {
	if c.closed.Load() {
		c.retire(e)
		return
	}
	c.launch(e)
}

// retire removes e and sends its final upcall.
func (c *Client) retire(e *entry) {
	if e.done {
		return
	}
	e.done = true
	if e.cancel != nil {
		e.cancel()
	}

	entries := slices.DeleteFunc(c.pending[e.key], func(pe *entry) bool { return pe == e })
	if len(entries) == 0 {
		delete(c.pending, e.key)
	} else {
		c.pending[e.key] = entries
	}
	e.h.Upcall(&fetch.Upcall{Kind: fetch.UpcallFinal, Name: e.in.Name})
}

// Pending returns the number of interests not yet retired.
func (c *Client) Pending() int {
	n := 0
	for _, entries := range c.pending {
		n += len(entries)
	}
	return n
}

// Stats contains transport statistics.
type Stats struct {
	Expressed int64 // RPC attempts, including re-expressions.
	Satisfied int64 // Content upcalls delivered.
	Failed    int64 // Attempts reported as timed out.
}

// Stats returns current transport statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Expressed: c.expressed.Load(),
		Satisfied: c.satisfied.Load(),
		Failed:    c.failed.Load(),
	}
}

// Close aborts every RPC in flight and closes the connection. Pending
// interests are dropped without upcalls.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.inflight.Wait()
	if err := c.conn.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}
