package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock provides a controllable time source for deterministic tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	fc := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(fc)

	fired := false
	q.Schedule("retry", func(now time.Time) Result {
		fired = true
		return Done
	}, 5*time.Second)

	q.Poll()
	require.False(t, fired, "callback fired before deadline")

	fc.Advance(5 * time.Second)
	q.Poll()
	require.True(t, fired, "callback did not fire at deadline")
	require.False(t, q.Pending("retry"))
}

func TestScheduleSameTagReplacesDeadline(t *testing.T) {
	fc := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(fc)

	count := 0
	q.Schedule("sign-in-retry", func(now time.Time) Result {
		count++
		return Done
	}, 10*time.Second)

	fc.Advance(5 * time.Second)
	// Reschedule the same tag -- this must replace, not add a second entry.
	q.Schedule("sign-in-retry", func(now time.Time) Result {
		count++
		return Done
	}, 3*time.Second)
	require.Equal(t, 1, q.Count())

	fc.Advance(3 * time.Second)
	q.Poll()
	require.Equal(t, 1, count)
}

func TestContinueRearmsAtSameInterval(t *testing.T) {
	fc := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(fc)

	fires := 0
	q.Schedule("heartbeat", func(now time.Time) Result {
		fires++
		return Continue
	}, 1*time.Second)

	for range 3 {
		fc.Advance(1 * time.Second)
		q.Poll()
	}
	require.Equal(t, 3, fires)
	require.True(t, q.Pending("heartbeat"))
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	fc := newFakeClock(time.Now())
	q := New(fc)

	q.Schedule("expire", func(now time.Time) Result {
		t.Fatal("cancelled callback must not fire")
		return Done
	}, time.Second)

	q.Cancel("expire")
	fc.Advance(2 * time.Second)
	q.Poll()
	require.Equal(t, 0, q.Count())
}

func TestPollReturnsZeroWhenEmpty(t *testing.T) {
	fc := newFakeClock(time.Now())
	q := New(fc)
	require.Equal(t, time.Duration(0), q.Poll())
}

func TestPollReturnsNextDeadline(t *testing.T) {
	fc := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(fc)

	q.Schedule("a", func(now time.Time) Result { return Done }, 10*time.Second)
	q.Schedule("b", func(now time.Time) Result { return Done }, 3*time.Second)

	next := q.Poll()
	require.Equal(t, 3*time.Second, next)
}

func TestMultipleDueEntriesFireInDeadlineOrder(t *testing.T) {
	fc := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New(fc)

	var order []string
	q.Schedule("second", func(now time.Time) Result {
		order = append(order, "second")
		return Done
	}, 2*time.Second)
	q.Schedule("first", func(now time.Time) Result {
		order = append(order, "first")
		return Done
	}, 1*time.Second)

	fc.Advance(5 * time.Second)
	q.Poll()

	require.Equal(t, []string{"first", "second"}, order)
}
