package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsAdditive(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search"})
	idx.Register("peer-a", []string{"translate"})

	snap := idx.Snapshot()
	assert.ElementsMatch(t, []string{"peer-a"}, snap["search"])
	assert.ElementsMatch(t, []string{"peer-a"}, snap["translate"])
}

func TestReplaceAllDropsStaleTools(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search", "translate"})
	idx.ReplaceAll("peer-a", []string{"translate"})

	snap := idx.Snapshot()
	assert.NotContains(t, snap, "search")
	assert.ElementsMatch(t, []string{"peer-a"}, snap["translate"])
}

func TestSelectPrefersFewestRequests(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search"})
	idx.Register("peer-b", []string{"search"})

	picked, ok := idx.Select("search", nil)
	require.True(t, ok)
	assert.Equal(t, "peer-a", picked) // registration-order tiebreak first

	// peer-a's request_count is now 1; peer-b's is 0, so peer-b wins next.
	picked2, ok := idx.Select("search", nil)
	require.True(t, ok)
	assert.Equal(t, "peer-b", picked2)
}

// TestSelectRequestCountIsCumulative exercises scenario 3 of the
// normative end-to-end walkthrough: three providers start at equal
// request_count, so the first call picks the lowest-seq provider. Once
// that call completes (no Unselect — completion never decrements
// request_count), an identical second call must pick the next provider
// in registration order rather than the same one again.
func TestSelectRequestCountIsCumulative(t *testing.T) {
	idx := New()
	idx.Register("peer-1", []string{"search"})
	idx.Register("peer-2", []string{"search"})
	idx.Register("peer-3", []string{"search"})

	picked, ok := idx.Select("search", nil)
	require.True(t, ok)
	assert.Equal(t, "peer-1", picked)

	// peer-1's call completes; its request_count stays at 1.
	picked2, ok := idx.Select("search", nil)
	require.True(t, ok)
	assert.Equal(t, "peer-2", picked2)
}

func TestSelectExcludesGivenPeers(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search"})
	idx.Register("peer-b", []string{"search"})

	picked, ok := idx.Select("search", map[string]bool{"peer-a": true})
	require.True(t, ok)
	assert.Equal(t, "peer-b", picked)
}

func TestSelectNoProviderReturnsFalse(t *testing.T) {
	idx := New()
	_, ok := idx.Select("nonexistent", nil)
	assert.False(t, ok)
}

func TestUnselectUndoesSelectionBeforeDispatch(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search"})

	idx.Select("search", nil)
	idx.Unselect("search", "peer-a")

	// Unselect reverses request_count, so peer-a is still the lowest
	// and wins the retry selection ahead of a never-used peer.
	idx.Register("peer-b", []string{"search"})
	picked, ok := idx.Select("search", nil)
	require.True(t, ok)
	assert.Equal(t, "peer-a", picked)
}

func TestRemoveDropsAllToolsForPeer(t *testing.T) {
	idx := New()
	idx.Register("peer-a", []string{"search", "translate"})
	idx.Remove("peer-a")

	assert.Equal(t, 0, idx.Len())
}
