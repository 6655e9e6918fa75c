package vclock

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompareBasics(t *testing.T) {
	t.Parallel()

	a := New().Tick("n1")
	b := a.Tick("n1")

	require.Equal(t, Before, a.Compare(b))
	require.Equal(t, After, b.Compare(a))
	require.Equal(t, Equal, a.Compare(a))

	// Two writers ticking independently from the same base diverge.
	left := a.Tick("n1")
	right := a.Tick("n2")
	require.Equal(t, Concurrent, left.Compare(right))
	require.True(t, right.ConcurrentWith(left))
}

func TestMergeDominatesBoth(t *testing.T) {
	t.Parallel()

	a := New().Tick("n1").Tick("n1")
	b := New().Tick("n2")

	merged := a.Merge(b)
	require.NotEqual(t, Before, merged.Compare(a))
	require.NotEqual(t, Before, merged.Compare(b))
	require.Equal(t, uint64(2), merged["n1"])
	require.Equal(t, uint64(1), merged["n2"])
}

func TestTickDoesNotAliasReceiver(t *testing.T) {
	t.Parallel()

	a := New().Tick("n1")
	_ = a.Tick("n1")
	require.Equal(t, uint64(1), a["n1"])
}

// clockGen draws a small random clock.
func clockGen(t *rapid.T, label string) Clock {
	c := New()
	nodes := rapid.SliceOfN(
		rapid.SampledFrom([]string{"a", "b", "c", "d"}), 0, 4,
	).Draw(t, label)
	for _, node := range nodes {
		ticks := rapid.IntRange(1, 5).Draw(t, label+"_ticks")
		for i := 0; i < ticks; i++ {
			c = c.Tick(node)
		}
	}

	return c
}

// TestCompareAntisymmetry checks that Compare(a,b) mirrors Compare(b,a).
func TestCompareAntisymmetry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := clockGen(t, "a")
		b := clockGen(t, "b")

		ab := a.Compare(b)
		ba := b.Compare(a)

		switch ab {
		case Equal:
			require.Equal(t, Equal, ba)
		case Before:
			require.Equal(t, After, ba)
		case After:
			require.Equal(t, Before, ba)
		case Concurrent:
			require.Equal(t, Concurrent, ba)
		}
	})
}

// TestMergeIsUpperBound checks that a merged clock never precedes either
// input.
func TestMergeIsUpperBound(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := clockGen(t, "a")
		b := clockGen(t, "b")

		merged := a.Merge(b)
		require.NotEqual(t, Before, merged.Compare(a))
		require.NotEqual(t, Before, merged.Compare(b))

		// Merge is commutative.
		require.Equal(t, Equal, merged.Compare(b.Merge(a)))
	})
}
