package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for age and LRU decisions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestAcquireReusesSessionPerKey(t *testing.T) {
	m := NewManager(Options{})

	a, err := m.Acquire("", "")
	require.NoError(t, err)
	b, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := m.Acquire(PresetFirefox, "")
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	d, err := m.Acquire(PresetChrome, "socks5://127.0.0.1:1080")
	require.NoError(t, err)
	assert.NotSame(t, a, d)

	st := m.Stats()
	assert.Equal(t, 3, st.Sessions)
	assert.Equal(t, 3, st.Busy)
	assert.Equal(t, 4, st.InFlight)

	for _, s := range []*Session{a, b, c, d} {
		m.Release(s)
	}
	st = m.Stats()
	assert.Zero(t, st.Busy)
	assert.Zero(t, st.InFlight)
}

func TestAcquireRejectsBadProxy(t *testing.T) {
	m := NewManager(Options{})

	_, err := m.Acquire(PresetChrome, "ftp://proxy.test:21")
	assert.Equal(t, CodeInvalidProxy, errCode(t, err))
	assert.Zero(t, m.Stats().Sessions)
}

func TestEvictionSkipsBusySessions(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{MaxSessions: 2, Now: clock.Now})

	busy, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)

	clock.Advance(time.Second)
	idle, err := m.Acquire(PresetFirefox, "")
	require.NoError(t, err)
	m.Release(idle)

	// busy is the least recently used, but it is in flight.
	clock.Advance(time.Second)
	fresh, err := m.Acquire(PresetSafari, "")
	require.NoError(t, err)

	m.mu.Lock()
	_, hasBusy := m.sessions[busy.key]
	_, hasIdle := m.sessions[idle.key]
	_, hasFresh := m.sessions[fresh.key]
	m.mu.Unlock()

	assert.True(t, hasBusy)
	assert.False(t, hasIdle)
	assert.True(t, hasFresh)
	assert.Equal(t, 2, m.Stats().Sessions)
}

func TestEvictionPicksLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{MaxSessions: 2, Now: clock.Now})

	older, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	m.Release(older)

	clock.Advance(time.Second)
	newer, err := m.Acquire(PresetFirefox, "")
	require.NoError(t, err)
	m.Release(newer)

	clock.Advance(time.Second)
	_, err = m.Acquire(PresetSafari, "")
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.sessions, older.key)
	assert.Contains(t, m.sessions, newer.key)
}

func TestPoolRunsOverCapacityWhenAllBusy(t *testing.T) {
	m := NewManager(Options{MaxSessions: 1})

	_, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	_, err = m.Acquire(PresetFirefox, "")
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 2, st.Busy)
}

func TestRecycleDeferredWhileBusy(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{MaxAge: time.Minute, Now: clock.Now})

	first, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	again, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	assert.Same(t, first, again, "busy session must not be recycled")

	m.Release(first)
	m.Release(again)

	next, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	assert.NotSame(t, first, next)
	assert.Equal(t, 1, m.Stats().Sessions)
	m.Release(next)
}

func TestCloseAllRetiresBusySessions(t *testing.T) {
	m := NewManager(Options{})

	busy, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	idle, err := m.Acquire(PresetFirefox, "")
	require.NoError(t, err)
	m.Release(idle)

	m.CloseAll()
	assert.Zero(t, m.Stats().Sessions)

	m.mu.Lock()
	assert.True(t, busy.retired)
	assert.Equal(t, 1, busy.inFlight)
	m.mu.Unlock()

	next, err := m.Acquire(PresetChrome, "")
	require.NoError(t, err)
	assert.NotSame(t, busy, next)

	m.Release(busy)
	m.Release(next)

	m.mu.Lock()
	assert.Zero(t, busy.inFlight)
	m.mu.Unlock()
	assert.Equal(t, 1, m.Stats().Sessions)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	m := NewManager(Options{MaxSessions: 3})
	presets := Presets()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Acquire(presets[i%len(presets)], "")
			if err != nil {
				t.Error(err)
				return
			}
			m.Release(s)
		}(i)
	}
	wg.Wait()

	st := m.Stats()
	assert.Zero(t, st.InFlight)
	assert.LessOrEqual(t, st.Sessions, len(presets))
}
