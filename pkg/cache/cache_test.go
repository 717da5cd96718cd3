package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/kvstore"
)

func newTestCache(t *testing.T, capacity int, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(kvstore.NewMemoryStore(), capacity, ttl)
	require.NoError(t, err)
	return c
}

func TestMakeKeyScopesByAgent(t *testing.T) {
	k1 := MakeKey("hi", "", "code", "m1")
	k2 := MakeKey("hi", "", "docs", "m1")
	require.NotEqual(t, k1, k2)
}

func TestCacheIsolationAcrossAgents(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Set(MakeKey("hi", "", "code", "m1"), "A", nil)

	value, outcome := c.Get(MakeKey("hi", "", "docs", "m1"))
	require.Equal(t, Absent, outcome)
	require.Empty(t, value)

	stats := c.StatsSnapshot()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(0), stats.Hits)
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	key := MakeKey("prompt", "", "code", "m1")
	c.Set(key, "value", nil)

	value, outcome := c.Get(key)
	require.Equal(t, Found, outcome)
	require.Equal(t, "value", value)
}

func TestGetExpiredEvicts(t *testing.T) {
	c := newTestCache(t, 10, time.Millisecond)
	key := MakeKey("prompt", "", "code", "m1")
	c.Set(key, "value", nil)
	time.Sleep(5 * time.Millisecond)

	_, outcome := c.Get(key)
	require.Equal(t, Expired, outcome)

	_, outcome = c.Get(key)
	require.Equal(t, Absent, outcome)
}

func TestEvictionPrefersHotRecentEntries(t *testing.T) {
	c := newTestCache(t, 2, time.Hour)
	c.Set("a", "A", nil)
	c.Set("b", "B", nil)

	// Make "a" hot so its score rises well above "b"'s.
	for i := 0; i < 5; i++ {
		c.Get("a")
	}

	c.Set("c", "C", nil)

	_, outcomeA := c.Get("a")
	_, outcomeB := c.Get("b")
	require.Equal(t, Found, outcomeA)
	require.Equal(t, Absent, outcomeB)
}

func TestInvalidateByAgent(t *testing.T) {
	c := newTestCache(t, 10, time.Hour)
	c.Set(MakeKey("p1", "", "code", "m1"), "A", &SetOptions{AgentID: "code"})
	c.Set(MakeKey("p2", "", "code", "m1"), "B", &SetOptions{AgentID: "code"})
	c.Set(MakeKey("p1", "", "docs", "m1"), "C", &SetOptions{AgentID: "docs"})

	count := c.InvalidateByAgent("code")
	require.Equal(t, 2, count)
	require.Equal(t, 1, c.StatsSnapshot().Size)
}
