package domainhealth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQuarantineAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 3, Clock: clock})

	for i := 0; i < 2; i++ {
		newly, _ := m.RecordFailure("slow.com", FailureTimeout)
		require.False(t, newly)
		require.False(t, m.IsQuarantined("slow.com"))
	}
	newly, until := m.RecordFailure("slow.com", FailureTimeout)
	require.True(t, newly)
	require.Equal(t, clock.Now().Add(time.Minute), until)
	require.True(t, m.IsQuarantined("slow.com"))
}

func TestClientFailuresDoNotQuarantine(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 2, Clock: clock})

	for i := 0; i < 10; i++ {
		newly, _ := m.RecordFailure("fine.com", FailureClient)
		require.False(t, newly)
	}
	require.False(t, m.IsQuarantined("fine.com"))
}

func TestSuccessResetsStreak(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 3, Clock: clock})

	m.RecordFailure("flaky.com", FailureServer)
	m.RecordFailure("flaky.com", FailureServer)
	m.RecordSuccess("flaky.com")
	newly, _ := m.RecordFailure("flaky.com", FailureServer)
	require.False(t, newly)
	require.False(t, m.IsQuarantined("flaky.com"))
}

func TestQuarantineExpires(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 1, Clock: clock})

	m.RecordFailure("down.com", FailureConnect)
	require.True(t, m.IsQuarantined("down.com"))

	clock.Advance(time.Minute + time.Second)
	require.False(t, m.IsQuarantined("down.com"))
}

func TestQuarantineBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 1, Clock: clock})

	_, until := m.RecordFailure("down.com", FailureConnect)
	require.Equal(t, time.Minute, until.Sub(clock.Now()))

	_, until = m.RecordFailure("down.com", FailureConnect)
	require.Equal(t, 2*time.Minute, until.Sub(clock.Now()))

	_, until = m.RecordFailure("down.com", FailureConnect)
	require.Equal(t, 4*time.Minute, until.Sub(clock.Now()))

	for i := 0; i < 20; i++ {
		_, until = m.RecordFailure("down.com", FailureConnect)
	}
	require.Equal(t, 60*time.Minute, until.Sub(clock.Now()))
}

func TestNewlyQuarantinedReportedOnce(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 2, Clock: clock})

	m.RecordFailure("down.com", FailureServer)
	newly, _ := m.RecordFailure("down.com", FailureServer)
	require.True(t, newly)
	// Still inside the window: the extension is not a new quarantine.
	newly, _ = m.RecordFailure("down.com", FailureServer)
	require.False(t, newly)
}

func TestStatesRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 2, Clock: clock})
	m.RecordFailure("a.com", FailureServer)
	m.RecordFailure("a.com", FailureServer)
	m.RecordSuccess("b.com")

	restored := New(Config{Threshold: 2, Clock: clock})
	restored.Restore(m.States())
	require.True(t, restored.IsQuarantined("a.com"))
	require.False(t, restored.IsQuarantined("b.com"))
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	m := New(Config{Threshold: 100, Clock: clock})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordFailure("busy.com", FailureServer)
				m.IsQuarantined("busy.com")
			}
		}()
	}
	wg.Wait()

	states := m.States()
	require.Len(t, states, 1)
	require.Equal(t, int64(400), states[0].Failures)
}
