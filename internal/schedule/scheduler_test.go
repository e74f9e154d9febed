package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// countingTask re-arms with a fixed period until it has fired limit times.
type countingTask struct {
	period   time.Duration
	limit    int
	fired    []time.Time
	released int
}

func (t *countingTask) Fire(now time.Time) time.Duration {
	t.fired = append(t.fired, now)
	if t.limit > 0 && len(t.fired) >= t.limit {
		return Stop
	}
	return t.period
}

func (t *countingTask) Release() { t.released++ }

func newTestScheduler() (*Scheduler, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(clk.Now), clk
}

func TestScheduler_EmptyReportsNone(t *testing.T) {
	s, _ := newTestScheduler()

	_, ok := s.RunDue()

	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_RunsDueAndReportsNextDelay(t *testing.T) {
	s, clk := newTestScheduler()
	task := &countingTask{period: 3 * time.Second}

	s.Schedule(0, task)
	delay, ok := s.RunDue()

	require.True(t, ok)
	assert.Len(t, task.fired, 1)
	assert.Equal(t, 3*time.Second, delay)

	clk.Advance(time.Second)
	delay, ok = s.RunDue()
	require.True(t, ok)
	assert.Len(t, task.fired, 1, "not due yet")
	assert.Equal(t, 2*time.Second, delay)

	clk.Advance(2 * time.Second)
	s.RunDue()
	assert.Len(t, task.fired, 2)
}

func TestScheduler_MinimumDelayAcrossTasks(t *testing.T) {
	s, _ := newTestScheduler()

	s.Schedule(500*time.Millisecond, &countingTask{period: time.Second})
	s.Schedule(20*time.Millisecond, &countingTask{period: time.Second})
	s.Schedule(time.Second, &countingTask{period: time.Second})

	delay, ok := s.RunDue()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, delay)
}

func TestScheduler_StopRemovesAndReleasesOnce(t *testing.T) {
	s, clk := newTestScheduler()
	task := &countingTask{period: 10 * time.Millisecond, limit: 2}

	ev := s.Schedule(0, task)
	s.RunDue()
	clk.Advance(10 * time.Millisecond)
	_, ok := s.RunDue()

	assert.False(t, ok)
	assert.False(t, ev.Active())
	assert.Equal(t, 1, task.released)

	ev.Cancel()
	assert.Equal(t, 1, task.released, "cancel after stop must not release again")
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	s, clk := newTestScheduler()
	task := &countingTask{period: time.Second}

	ev := s.Schedule(time.Second, task)
	ev.Cancel()
	ev.Cancel()

	clk.Advance(2 * time.Second)
	_, ok := s.RunDue()

	assert.False(t, ok)
	assert.Empty(t, task.fired)
	assert.Equal(t, 1, task.released)
}

func TestScheduler_CancelFromInsideFire(t *testing.T) {
	s, _ := newTestScheduler()

	var ev *Event
	ev = s.Schedule(0, TaskFunc(func(time.Time) time.Duration {
		ev.Cancel()
		return time.Second
	}))

	_, ok := s.RunDue()
	assert.False(t, ok)
	assert.False(t, ev.Active())
}

func TestScheduler_ZeroDelayRearmWaitsForNextCall(t *testing.T) {
	s, _ := newTestScheduler()
	task := &countingTask{period: 0}

	s.Schedule(0, task)
	delay, ok := s.RunDue()

	require.True(t, ok)
	assert.Len(t, task.fired, 1)
	assert.Equal(t, time.Duration(0), delay)

	s.RunDue()
	assert.Len(t, task.fired, 2)
}

func TestScheduler_DeterministicOrder(t *testing.T) {
	s, clk := newTestScheduler()
	var order []string

	for _, name := range []string{"a", "b", "c"} {
		s.Schedule(time.Millisecond, TaskFunc(func(time.Time) time.Duration {
			order = append(order, name)
			return Stop
		}))
	}

	clk.Advance(time.Millisecond)
	s.RunDue()

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_CloseReleasesAll(t *testing.T) {
	s, clk := newTestScheduler()
	a := &countingTask{period: time.Second}
	b := &countingTask{period: time.Second}

	s.Schedule(time.Second, a)
	s.Schedule(2*time.Second, b)
	s.Close()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, a.released)
	assert.Equal(t, 1, b.released)

	late := &countingTask{period: time.Second}
	ev := s.Schedule(0, late)
	assert.False(t, ev.Active())
	assert.Equal(t, 1, late.released)

	clk.Advance(time.Minute)
	_, ok := s.RunDue()
	assert.False(t, ok)
	assert.Empty(t, late.fired)
}
