package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummary_String(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    string
	}{
		{
			name:    "plain",
			summary: Summary{Bytes: 1000, Elapsed: 2 * time.Second},
			want:    "1000 bytes transferred in 2.000000 seconds (500 bytes/sec)",
		},
		{
			name:    "experiment id",
			summary: Summary{Bytes: 4096, Elapsed: 500 * time.Millisecond, ExperimentID: "run-7"},
			want:    "run-7 4096 bytes transferred in 0.500000 seconds (8192 bytes/sec)",
		},
		{
			name:    "zero elapsed",
			summary: Summary{},
			want:    "0 bytes transferred in 0.000000 seconds (0 bytes/sec)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.summary.String())
		})
	}
}

func TestReporter_Rearms(t *testing.T) {
	clk := newFakeClock()
	s := newTestSession(t, testConfig(8, 4), newFakeTransport(t, clk), &sinkBuffer{}, clk)

	r := &reporter{s: s}

	assert.Equal(t, DefaultReportInterval, r.Fire(clk.Now()))
}
