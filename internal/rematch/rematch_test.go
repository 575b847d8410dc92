package rematch

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

func list(t *testing.T, s string) model.RematchList {
	t.Helper()
	l, err := model.ParseRematchList(s)
	require.NoError(t, err)
	return l
}

func TestLatestApproved(t *testing.T) {
	cases := []struct {
		host, guest string
		want        int
	}{
		{"", "", 0},
		{"1", "", 0},
		{"1", "1", 1},
		{"1;2", "1", 1},
		{"1;2;3", "1;2;3x", 3},
		{"1;2", "1;3", 1},
	}
	for _, tc := range cases {
		got := LatestApproved(list(t, tc.host), list(t, tc.guest))
		assert.Equal(t, tc.want, got, "host=%q guest=%q", tc.host, tc.guest)
		assert.LessOrEqual(t, got, min(list(t, tc.host).Len(), list(t, tc.guest).Len()))
	}
}

func TestCanProposeAndNextIndex(t *testing.T) {
	assert.True(t, CanPropose(list(t, ""), list(t, "")))
	assert.Equal(t, 1, NextIndex(list(t, ""), list(t, "")))

	// one unanswered proposal blocks a second
	assert.False(t, CanPropose(list(t, "1"), list(t, "")))

	// answering lines the lists up on the same index
	assert.True(t, CanPropose(list(t, ""), list(t, "1")))
	assert.Equal(t, 1, NextIndex(list(t, ""), list(t, "1")))
	assert.Equal(t, 2, NextIndex(list(t, "1"), list(t, "1")))

	assert.False(t, CanPropose(list(t, "1"), list(t, "1x")))
	assert.False(t, CanPropose(list(t, "1x"), list(t, "1")))
}

func TestColorParity(t *testing.T) {
	assert.Equal(t, model.ColorWhite, ColorFor(model.ColorWhite, 0, session.RoleHost))
	assert.Equal(t, model.ColorBlack, ColorFor(model.ColorWhite, 1, session.RoleHost))
	assert.Equal(t, model.ColorWhite, ColorFor(model.ColorWhite, 2, session.RoleHost))
	assert.Equal(t, model.ColorWhite, ColorFor(model.ColorWhite, 1, session.RoleGuest))
	assert.Equal(t, model.ColorBlack, ColorFor(model.ColorWhite, 2, session.RoleGuest))
}

func newSequencer(t *testing.T) (*Sequencer, *syncstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := syncstore.New(rdb)
	require.NoError(t, st.Set(context.Background(), model.InvitePath("inv1"),
		model.Invite{Version: 2, HostID: "u1", HostColor: model.ColorWhite, GuestID: "u2"}))
	return NewSequencer(st, "startfen"), st
}

func seated(role session.Role, player, opponent string) *session.Context {
	return &session.Context{ID: "c", InviteID: "inv1", MatchID: "inv1", Role: role, CanWrite: true, PlayerID: player, OpponentID: opponent}
}

func TestSequencerAgreesOnNextMatch(t *testing.T) {
	seq, st := newSequencer(t)
	ctx := context.Background()
	host, guest := seated(session.RoleHost, "u1", "u2"), seated(session.RoleGuest, "u2", "u1")

	p, err := seq.Propose(ctx, host, 3, "")
	require.NoError(t, err)
	assert.Equal(t, Proposal{Index: 1, MatchID: "inv11", Color: model.ColorBlack}, p)

	_, err = seq.Propose(ctx, host, 3, "")
	assert.ErrorIs(t, err, ErrAwaitingOpponent)

	snap, err := st.Get(ctx, model.MatchPath("u1", "inv11"))
	require.NoError(t, err)
	var m model.Match
	require.NoError(t, snap.Decode(&m))
	assert.Equal(t, model.ColorBlack, m.Color)
	assert.Equal(t, "startfen", m.Fen)
	assert.Equal(t, 3, m.EmojiID)

	g, err := seq.Propose(ctx, guest, 5, "")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Index)
	assert.Equal(t, model.ColorWhite, g.Color)

	snap, err = st.Get(ctx, model.InvitePath("inv1"))
	require.NoError(t, err)
	var inv model.Invite
	require.NoError(t, snap.Decode(&inv))
	assert.Equal(t, 1, SeriesOf(inv).Approved)
}

func TestEndSeriesStopsProposals(t *testing.T) {
	seq, _ := newSequencer(t)
	ctx := context.Background()
	host, guest := seated(session.RoleHost, "u1", "u2"), seated(session.RoleGuest, "u2", "u1")

	require.NoError(t, seq.EndSeries(ctx, guest))
	require.NoError(t, seq.EndSeries(ctx, guest))

	_, err := seq.Propose(ctx, host, 0, "")
	assert.ErrorIs(t, err, ErrSeriesClosed)
	_, err = seq.Propose(ctx, guest, 0, "")
	assert.ErrorIs(t, err, ErrSeriesClosed)
}

func TestSpectatorCannotPropose(t *testing.T) {
	seq, _ := newSequencer(t)
	_, err := seq.Propose(context.Background(), &session.Context{InviteID: "inv1", Role: session.RoleWatch}, 0, "")
	assert.ErrorIs(t, err, ErrNotSeated)
}
