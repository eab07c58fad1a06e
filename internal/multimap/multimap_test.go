package multimap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssociateAndLookup(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(1, "b")
	m.Associate(2, "a")

	require.ElementsMatch(t, []string{"a", "b"}, m.GetValues(1))
	require.ElementsMatch(t, []int{1, 2}, m.GetKeys("a"))
	require.Equal(t, []string{"a"}, m.GetValues(2))
}

func TestRemovePairRestoresPreState(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(1, "b")

	beforeValues := m.GetValues(1)
	beforeKeysA := m.GetKeys("a")

	m.Associate(1, "c")
	require.True(t, m.RemovePair(1, "c"))

	require.ElementsMatch(t, beforeValues, m.GetValues(1))
	require.ElementsMatch(t, beforeKeysA, m.GetKeys("a"))
}

func TestRemovePairOnlyRemovesOneDuplicate(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(1, "a")

	require.True(t, m.RemovePair(1, "a"))
	require.Equal(t, []string{"a"}, m.GetValues(1))

	require.True(t, m.RemovePair(1, "a"))
	require.Nil(t, m.GetValues(1))
}

func TestRemoveKeyClearsInverse(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(2, "a")

	removed := m.RemoveKey(1)
	require.Equal(t, []string{"a"}, removed)
	require.Equal(t, []int{2}, m.GetKeys("a"))
	require.Nil(t, m.GetValues(1))
}

func TestRemoveValueClearsForward(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(1, "b")

	removed := m.RemoveValue("a")
	require.Equal(t, []int{1}, removed)
	require.Equal(t, []string{"b"}, m.GetValues(1))
	require.Nil(t, m.GetKeys("a"))
}

func TestRemovePairUnknownIsNoop(t *testing.T) {
	m := New[int, string](nil)
	require.False(t, m.RemovePair(1, "x"))
}

func TestEachVisitsAllPairs(t *testing.T) {
	m := New[int, string](nil)
	m.Associate(1, "a")
	m.Associate(1, "b")
	m.Associate(2, "a")

	type pair struct {
		k int
		v string
	}
	var got []pair
	m.Each(func(k int, v string) { got = append(got, pair{k, v}) })
	require.Len(t, got, 3)
}
