package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/arsac/ndnchunks/internal/config"
	"github.com/arsac/ndnchunks/internal/fetch"
	"github.com/arsac/ndnchunks/internal/health"
	"github.com/arsac/ndnchunks/internal/logger"
	"github.com/arsac/ndnchunks/internal/names"
	"github.com/arsac/ndnchunks/internal/publisher"
	"github.com/arsac/ndnchunks/internal/transport"
)

const healthCheckCacheTTL = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "ndnchunks",
		Short: "Publish and retrieve segmented content by name",
		Long: `ndnchunks moves a byte stream as numbered segments under a common name.

Run put to publish a file or stdin under a name prefix.
Run cat to fetch the segments in a pipeline and write them to stdout in order.`,
		SilenceUsage: true,
	}

	catCmd := &cobra.Command{
		Use:   "cat <name>",
		Short: "Fetch a segmented stream and write it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}

	putCmd := &cobra.Command{
		Use:   "put <prefix>",
		Short: "Publish a file or stdin as segments under a prefix",
		Args:  cobra.ExactArgs(1),
		RunE:  runPut,
	}

	config.SetupCatFlags(catCmd)
	config.SetupPutFlags(putCmd)

	rootCmd.AddCommand(catCmd, putCmd)

	return rootCmd.Execute()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// startHealth runs the health server in g when addr is set.
func startHealth(ctx context.Context, g *errgroup.Group, addr string, log *slog.Logger) *health.Server {
	if addr == "" {
		return nil
	}
	healthServer := health.NewServer(health.Config{Addr: addr}, log)
	g.Go(func() error {
		return ignoreCanceled(healthServer.Run(ctx))
	})
	return healthServer
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func parseName(uri string) (names.Name, error) {
	name, err := names.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrMalformedName, err)
	}
	return name, nil
}

func runCat(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := config.BindCatFlags(cmd, v); err != nil {
		return err
	}

	cfg, err := config.LoadCat(v, args[0])
	if err != nil {
		return err
	}

	name, err := parseName(cfg.Name)
	if err != nil {
		return err
	}

	log := logger.New("cat", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting fetch",
		"name", name.String(),
		"addr", cfg.Addr,
		"pipeline", cfg.MaxWindow,
		"allowStale", cfg.AllowStale,
		"segmentMarker", cfg.MarkerSegments,
		"discard", cfg.Discard,
		"healthAddr", cfg.HealthAddr,
	)

	ctx, cancel := signalContext(log)
	defer cancel()

	tcfg := transport.DefaultConfig()
	tcfg.Addr = cfg.Addr
	tcfg.InterestLifetime = cfg.InterestLifetime
	tcfg.DeferVerify = cfg.Discard
	client, err := transport.NewClient(tcfg, log)
	if err != nil {
		return err
	}
	defer client.Close()

	fcfg := fetch.DefaultConfig()
	fcfg.Name = name
	fcfg.AllowStale = cfg.AllowStale
	fcfg.MaxWindow = cfg.MaxWindow
	fcfg.ProbeTimeout = cfg.ProbeTimeout
	if cfg.MarkerSegments {
		fcfg.Segments = names.SegmentMarked
	}

	var sink io.Writer = os.Stdout
	if cfg.Discard {
		sink = io.Discard
	}

	session, err := fetch.NewSession(fcfg, client, sink, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	healthServer := startHealth(gctx, g, cfg.HealthAddr, log)

	var sessionErr error
	g.Go(func() error {
		// Stop the health server once the session is over.
		defer cancel()

		sessionErr = fetchStream(gctx, client.Validate, session, healthServer, cfg.ExperimentID, os.Stderr)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return sessionErr
}

// fetchStream checks the publisher, runs session and writes the summary line
// to out. The summary is written even when the publisher is unreachable.
func fetchStream(
	ctx context.Context,
	validate func(context.Context) error,
	session *fetch.Session,
	healthServer *health.Server,
	experimentID string,
	out io.Writer,
) error {
	err := validate(ctx)
	if err == nil {
		if healthServer != nil {
			healthServer.RegisterCheck("publisher",
				health.CachedCheck(health.PublisherCheck(validate), healthCheckCacheTTL))
			healthServer.SetReady(true)
		}
		err = session.Run(ctx)
	}

	summary := session.Summary()
	summary.ExperimentID = experimentID
	fmt.Fprintln(out, summary.String())
	return err
}

func runPut(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := config.BindPutFlags(cmd, v); err != nil {
		return err
	}

	cfg, err := config.LoadPut(v, args[0])
	if err != nil {
		return err
	}

	prefix, err := parseName(cfg.Name)
	if err != nil {
		return err
	}

	log := logger.New("put", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting publisher",
		"prefix", prefix.String(),
		"file", cfg.File,
		"listen", cfg.ListenAddr,
		"segmentSize", cfg.SegmentSize,
		"freshness", cfg.FreshnessPeriod,
		"digest", cfg.Digest,
		"rateLimit", cfg.MaxBytesPerSec,
		"watch", cfg.Watch,
		"healthAddr", cfg.HealthAddr,
	)

	pcfg := publisher.DefaultConfig()
	pcfg.Prefix = prefix
	pcfg.SegmentSize = cfg.SegmentSize
	pcfg.FreshnessPeriod = cfg.FreshnessPeriod
	pcfg.Digest = cfg.Digest
	pcfg.MaxBytesPerSec = cfg.MaxBytesPerSec

	pub, err := publisher.New(pcfg, log)
	if err != nil {
		return err
	}
	if err := loadContent(pub, cfg); err != nil {
		return err
	}

	var watcher *publisher.Watcher
	if cfg.Watch {
		if watcher, err = publisher.NewWatcher(pub, log, cfg.File); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	healthServer := startHealth(gctx, g, cfg.HealthAddr, log)

	server := publisher.NewServer(publisher.ServerConfig{ListenAddr: cfg.ListenAddr}, pub, log, healthServer)
	g.Go(func() error {
		return ignoreCanceled(server.Run(gctx))
	})

	if watcher != nil {
		g.Go(func() error {
			return ignoreCanceled(watcher.Run(gctx))
		})
	}

	return g.Wait()
}

func loadContent(pub *publisher.Publisher, cfg *config.PutConfig) error {
	if cfg.FromStdin() {
		return pub.Load(os.Stdin)
	}
	f, err := os.Open(cfg.File)
	if err != nil {
		return err
	}
	defer f.Close()
	return pub.Load(f)
}
