package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arsac/ndnchunks/internal/fetch"
	"github.com/arsac/ndnchunks/internal/publisher"
)

// Default configuration values.
const (
	defaultAddr                = "localhost:6363"
	defaultListenAddr          = ":6363"
	defaultPipeline            = 31
	defaultProbeTimeoutMs      = 500
	defaultInterestLifetimeMs  = 4000
	defaultSegmentSize         = publisher.DefaultSegmentSize
	defaultLogLevel            = "info"
	experimentIDEnv            = "NDN_EXPERIMENT_ID"
	maxPipeline                = fetch.DefaultCapacity - 1
	stdinFile                  = "-"
	defaultFreshnessPeriodSecs = 0
)

// BaseConfig contains configuration shared by the fetcher and the publisher.
type BaseConfig struct {
	// Name is the content name (cat) or prefix (put) in URI form.
	Name string

	LogLevel string

	// Health server
	HealthAddr string // HTTP health endpoint address (empty to disable)
}

// CatConfig contains configuration for fetching a segmented stream.
type CatConfig struct {
	BaseConfig

	// Addr is the gRPC address of the publisher.
	Addr string

	MaxWindow      int
	AllowStale     bool
	MarkerSegments bool

	// Discard drops delivered bytes and defers verification.
	Discard bool

	ProbeTimeout     time.Duration
	InterestLifetime time.Duration

	// ExperimentID tags the summary line.
	ExperimentID string
}

// PutConfig contains configuration for publishing a stream.
type PutConfig struct {
	BaseConfig

	// File is the content to publish; "-" reads stdin.
	File string

	// Watch republishes File whenever it changes.
	Watch bool

	ListenAddr      string
	SegmentSize     int
	FreshnessPeriod time.Duration
	Digest          bool
	MaxBytesPerSec  int
}

// Validate validates the configuration shared by cat and put.
func (c *BaseConfig) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Validate validates the cat configuration.
func (c *CatConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	if c.Addr == "" {
		return errors.New("publisher address is required")
	}
	if c.MaxWindow < 1 || c.MaxWindow > maxPipeline {
		return fmt.Errorf("pipeline must be between 1 and %d", maxPipeline)
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.InterestLifetime <= 0 {
		return errors.New("interest lifetime must be positive")
	}
	return nil
}

// Validate validates the put configuration.
func (c *PutConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.File == "" {
		return errors.New("file is required")
	}
	if c.Watch && c.File == stdinFile {
		return errors.New("cannot watch stdin")
	}
	if c.SegmentSize < 1 || c.SegmentSize > publisher.MaxSegmentSize {
		return fmt.Errorf("segment size must be between 1 and %d", publisher.MaxSegmentSize)
	}
	if c.FreshnessPeriod < 0 {
		return errors.New("freshness period cannot be negative")
	}
	if c.MaxBytesPerSec < 0 {
		return errors.New("max bytes per second cannot be negative")
	}
	return nil
}

// SetupCatFlags sets up flags for the cat command.
func SetupCatFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.String("addr", defaultAddr, "Publisher gRPC address")
	flags.IntP("pipeline", "p", defaultPipeline, fmt.Sprintf("Maximum pipeline depth (1-%d)", maxPipeline))
	flags.BoolP("allow-stale", "a", false, "Accept stale content")
	flags.BoolP("segment-marker", "s", false, "Use marker-encoded segment numbers instead of decimal")
	flags.BoolP("discard", "d", false, "Discard delivered bytes and defer verification")
	flags.Int("probe-timeout", defaultProbeTimeoutMs, "Milliseconds to wait for the first segment before giving up")
	flags.Int("interest-lifetime", defaultInterestLifetimeMs, "Interest lifetime in milliseconds")
	flags.String("experiment-id", "", "Tag for the summary line (defaults to $"+experimentIDEnv+")")
	flags.String("log-level", defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("health-addr", "", "HTTP health endpoint address (empty to disable)")
}

// SetupPutFlags sets up flags for the put command.
func SetupPutFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringP("file", "f", stdinFile, "File to publish (- for stdin)")
	flags.Bool("watch", false, "Republish the file when it changes")
	flags.String("listen", defaultListenAddr, "gRPC listen address")
	flags.Int("segment-size", defaultSegmentSize, "Segment payload size in bytes")
	flags.Int("freshness", defaultFreshnessPeriodSecs, "Freshness period in seconds (0 = never stale)")
	flags.Bool("digest", true, "Attach a SHA-256 digest to every segment")
	flags.Int("rate-limit", 0, "Max bytes/sec served (0 = unlimited)")
	flags.String("log-level", defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.String("health-addr", "", "HTTP health endpoint address (empty to disable)")
}

// BindCatFlags binds cat command flags to viper.
func BindCatFlags(cmd *cobra.Command, v *viper.Viper) error {
	return bindFlags(cmd, v, "NDNCHUNKS_CAT", []string{
		"addr", "pipeline", "allow-stale", "segment-marker", "discard",
		"probe-timeout", "interest-lifetime", "experiment-id", "log-level", "health-addr",
	})
}

// BindPutFlags binds put command flags to viper.
func BindPutFlags(cmd *cobra.Command, v *viper.Viper) error {
	return bindFlags(cmd, v, "NDNCHUNKS_PUT", []string{
		"file", "watch", "listen", "segment-size", "freshness", "digest",
		"rate-limit", "log-level", "health-addr",
	})
}

func bindFlags(cmd *cobra.Command, v *viper.Viper, envPrefix string, flags []string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flag := range flags {
		if err := v.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}

	return nil
}

// loadBase loads the configuration shared by cat and put.
func loadBase(v *viper.Viper, name string) BaseConfig {
	return BaseConfig{
		Name:       name,
		LogLevel:   v.GetString("log-level"),
		HealthAddr: v.GetString("health-addr"),
	}
}

// LoadCat loads the cat configuration for name from viper.
func LoadCat(v *viper.Viper, name string) (*CatConfig, error) {
	cfg := &CatConfig{
		BaseConfig:       loadBase(v, name),
		Addr:             v.GetString("addr"),
		MaxWindow:        v.GetInt("pipeline"),
		AllowStale:       v.GetBool("allow-stale"),
		MarkerSegments:   v.GetBool("segment-marker"),
		Discard:          v.GetBool("discard"),
		ProbeTimeout:     time.Duration(v.GetInt("probe-timeout")) * time.Millisecond,
		InterestLifetime: time.Duration(v.GetInt("interest-lifetime")) * time.Millisecond,
		ExperimentID:     v.GetString("experiment-id"),
	}

	if cfg.ExperimentID == "" {
		cfg.ExperimentID = os.Getenv(experimentIDEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadPut loads the put configuration for prefix name from viper.
func LoadPut(v *viper.Viper, name string) (*PutConfig, error) {
	cfg := &PutConfig{
		BaseConfig:      loadBase(v, name),
		File:            v.GetString("file"),
		Watch:           v.GetBool("watch"),
		ListenAddr:      v.GetString("listen"),
		SegmentSize:     v.GetInt("segment-size"),
		FreshnessPeriod: time.Duration(v.GetInt("freshness")) * time.Second,
		Digest:          v.GetBool("digest"),
		MaxBytesPerSec:  v.GetInt("rate-limit"),
	}

	// Support conventional env vars as fallbacks
	if cfg.ListenAddr == defaultListenAddr {
		cfg.ListenAddr = getEnvWithFallbacks(cfg.ListenAddr, "GRPC_PORT", "PORT")
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = getEnvWithFallbacks(cfg.HealthAddr, "HTTP_PORT", "HEALTH_PORT")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromStdin reports whether the content is read from standard input.
func (c *PutConfig) FromStdin() bool {
	return c.File == stdinFile
}

// getEnvWithFallbacks returns the first non-empty env var value, or the default.
// For port-only values (e.g., "8080"), it prepends ":" to make a valid address.
func getEnvWithFallbacks(defaultVal string, envVars ...string) string {
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			// If it's just a port number, prepend ":"
			if !strings.Contains(val, ":") {
				val = ":" + val
			}
			return val
		}
	}
	return defaultVal
}
