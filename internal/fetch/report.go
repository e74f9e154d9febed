package fetch

import (
	"fmt"
	"time"

	"github.com/arsac/ndnchunks/internal/metrics"
)

// reporter logs progress counters periodically.
type reporter struct {
	s *Session
}

func (r *reporter) Fire(time.Time) time.Duration {
	r.s.report()
	return r.s.cfg.ReportInterval
}

// report logs the session counters and refreshes the gauges.
func (s *Session) report() {
	rtt := s.rtt.Stats()
	metrics.PipelineWindow.Set(float64(s.window.Size()))
	metrics.OutstandingSegments.Set(float64(s.buf.Outstanding()))
	metrics.SmoothedRTTSeconds.Set(rtt.Estimate.Seconds())

	s.logger.Info("progress",
		"isent", s.counters.InterestsSent,
		"recvd", s.counters.Received,
		"junk", s.counters.Duplicates,
		"holes", s.counters.Holes,
		"timeouts", s.counters.Timeouts,
		"unverified", s.counters.Unverified,
		"delivered", s.buf.Delivered(),
		"curwin", s.window.Size(),
		"rtt", rtt.RTT,
		"rtte", rtt.Estimate)
}

// Summary is the one-line result of a fetch.
type Summary struct {
	Bytes    int64
	Segments uint64
	Elapsed  time.Duration

	// ExperimentID prefixes the summary line when set.
	ExperimentID string
}

// Rate returns the throughput in bytes per second.
func (s Summary) Rate() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.Bytes) / secs
}

func (s Summary) String() string {
	prefix := ""
	if s.ExperimentID != "" {
		prefix = s.ExperimentID + " "
	}
	return fmt.Sprintf("%s%d bytes transferred in %.6f seconds (%.0f bytes/sec)",
		prefix, s.Bytes, s.Elapsed.Seconds(), s.Rate())
}
