package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMovesAppendKeepsPrefix(t *testing.T) {
	prev := ParseMoves("e2e4-e7e5")
	next := prev.Append("g1f3")

	assert.Equal(t, "e2e4-e7e5-g1f3", next.String())
	assert.True(t, next.HasPrefix(prev))
	assert.Equal(t, "e2e4-e7e5", prev.String(), "append must not alias the receiver")

	first := ParseMoves("").Append("d2d4")
	assert.Equal(t, "d2d4", first.String())
}

func TestMovesDivergenceIsNotPrefix(t *testing.T) {
	stored := ParseMoves("e2e4-c7c5")
	assert.False(t, stored.HasPrefix(ParseMoves("e2e4-e7e5")))
	assert.True(t, stored.HasPrefix(nil))
}

func TestTimerCodec(t *testing.T) {
	tm, err := ParseTimer("12;1700000090500")
	require.NoError(t, err)
	assert.Equal(t, Timer{Turn: 12, DeadlineMs: 1700000090500}, tm)
	assert.Equal(t, "12;1700000090500", tm.String())

	gg, err := ParseTimer("gg")
	require.NoError(t, err)
	assert.True(t, gg.GG)
	assert.Equal(t, "gg", gg.String())

	for _, bad := range []string{"", "12", "a;1", "1;b"} {
		_, err := ParseTimer(bad)
		assert.True(t, errors.Is(err, ErrTimerFormat), "input %q", bad)
	}
}

func TestRematchListMarkers(t *testing.T) {
	l, err := ParseRematchList("1;2;3xx")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, l.Indices)
	assert.True(t, l.Closed)
	assert.Equal(t, "1;2;3x", l.String())

	closedEmpty, err := ParseRematchList("x")
	require.NoError(t, err)
	assert.True(t, closedEmpty.Closed)
	assert.Zero(t, closedEmpty.Len())

	_, err = ParseRematchList("1;0")
	assert.ErrorIs(t, err, ErrRematchFormat)

	appended := mustRematchList(t, "1").Append(2)
	assert.Equal(t, "1;2", appended.String())
}

func mustRematchList(t *testing.T, s string) RematchList {
	t.Helper()
	l, err := ParseRematchList(s)
	require.NoError(t, err)
	return l
}

func TestMatchIDAndAutomatchPrefix(t *testing.T) {
	assert.Equal(t, "auto_abc", MatchID("auto_abc", 0))
	assert.Equal(t, "auto_abc3", MatchID("auto_abc", 3))
	assert.True(t, IsAutomatchInvite(AutomatchInviteID("xyz")))
	assert.False(t, IsAutomatchInvite("friendly"))
}

func TestMaterialsAddClampsAtZero(t *testing.T) {
	m := Materials{Ice: 2}
	m.Add(Ice, -5)
	assert.Equal(t, 0, m.Get(Ice))
	n := m.Normalized()
	assert.Len(t, n, len(AllMaterials))
}
