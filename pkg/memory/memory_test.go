package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycode/agentrun/pkg/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	counter := 0
	idFn := func() string {
		counter++
		return fmt.Sprintf("rec-%d", counter)
	}
	store, err := New(kvstore.NewMemoryStore(), idFn)
	require.NoError(t, err)
	return store
}

func TestRememberRecallRoundTrip(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "user prefers tabs", []string{"style"}, TypeFact)

	records := store.Recall("code", nil)
	require.Len(t, records, 1)
	require.Equal(t, "user prefers tabs", records[0].Content)
}

func TestRecallOrdersMostRecentFirst(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "first", nil, TypeFact)
	store.Remember("code", "second", nil, TypeFact)
	store.Remember("code", "third", nil, TypeFact)

	records := store.Recall("code", nil)
	require.Len(t, records, 3)
	require.Equal(t, "third", records[0].Content)
	require.Equal(t, "first", records[2].Content)
}

func TestSearchRanksBySubstringHits(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "go is great", nil, TypeFact)
	store.Remember("docs", "go go go everywhere", nil, TypeFact)

	results := store.Search("go")
	require.Len(t, results, 2)
	require.Equal(t, "go go go everywhere", results[0].Content)
}

func TestPruneIsFixedPoint(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		store.Remember("code", fmt.Sprintf("fact %d", i), nil, TypeFact)
	}

	evicted := store.Prune(0, 3)
	require.Equal(t, 2, evicted)
	require.Len(t, store.Recall("code", nil), 3)

	// Second prune with no intervening writes evicts nothing further.
	evicted = store.Prune(0, 3)
	require.Equal(t, 0, evicted)
}

func TestPruneEvictsLRUBeforeCount(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "a", nil, TypeFact)
	store.Remember("code", "b", nil, TypeFact)
	store.Remember("code", "c", nil, TypeFact)

	// Access "a" so it's no longer the least-recently-used.
	store.Recall("code", &Filter{})

	evicted := store.Prune(0, 2)
	require.Equal(t, 1, evicted)
	remaining := store.Recall("code", nil)
	require.Len(t, remaining, 2)
}

func TestStatsSnapshot(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "a", nil, TypeFact)
	store.Remember("docs", "b", nil, TypeFact)

	stats := store.StatsSnapshot()
	require.Equal(t, 2, stats.TotalRecords)
	require.Equal(t, 1, stats.PerAgentCounts["code"])
	require.Equal(t, 1, stats.PerAgentCounts["docs"])
}

func TestBuildContextWindowRespectsBudget(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "short", nil, TypeFact)

	window := store.BuildContextWindow("code", 5)
	require.Empty(t, window)

	window = store.BuildContextWindow("code", 200)
	require.Contains(t, window, "short")
}

func TestClearRemovesAllAgents(t *testing.T) {
	store := newTestStore(t)
	store.Remember("code", "a", nil, TypeFact)
	store.Clear()
	require.Empty(t, store.Recall("code", nil))
}
