package ratings

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/profiles"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

const inviteID = "auto_abc"

type fixture struct {
	svc   *Service
	store *syncstore.Store
	dir   *profiles.Directory
}

// fool's mate: black (guest u2) wins
func newFixture(t *testing.T, inv string) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := syncstore.New(rdb)
	dir := profiles.NewDirectory(st, profiles.NewMemoryRepository())
	ctx := context.Background()

	require.NoError(t, dir.Link(ctx, "u1", "p1"))
	require.NoError(t, dir.Link(ctx, "u2", "p2"))
	require.NoError(t, st.Update(ctx, map[string]any{
		model.InvitePath(inv):      model.Invite{Version: 2, HostID: "u1", HostColor: model.ColorWhite, GuestID: "u2"},
		model.MatchPath("u1", inv): model.Match{Color: model.ColorWhite, FlatMovesString: "f2f3-g2g4"},
		model.MatchPath("u2", inv): model.Match{Color: model.ColorBlack, FlatMovesString: "e7e5-d8h4"},
	}))
	return fixture{svc: New(st, dir, rules.ChessEngine{}), store: st, dir: dir}
}

func winnerRef(inv string) matchdto.MatchRef {
	return matchdto.MatchRef{PlayerID: "u2", OpponentID: "u1", InviteID: inv, MatchID: inv}
}

func TestEloMovesBothSidesSymmetricallyForEqualPlayers(t *testing.T) {
	w, l := DefaultFormula.Rate(Standing{Rating: 1500, Games: 1}, Standing{Rating: 1500, Games: 1})
	assert.Equal(t, 1520, w)
	assert.Equal(t, 1480, l)

	// veterans move less than newcomers
	vw, _ := DefaultFormula.Rate(Standing{Rating: 1500, Games: 400}, Standing{Rating: 1500, Games: 1})
	assert.Less(t, vw, w)
}

func TestUpdateRatingsAppliesOnce(t *testing.T) {
	f := newFixture(t, inviteID)
	ctx := context.Background()

	res, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u2"}, winnerRef(inviteID))
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.Mining)

	winner, err := f.dir.Repo().Get(ctx, "p2")
	require.NoError(t, err)
	loser, err := f.dir.Repo().Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1520, winner.Rating)
	assert.Equal(t, 1, winner.Nonce)
	assert.Equal(t, 1, winner.Wins)
	assert.Equal(t, 1480, loser.Rating)
	assert.Equal(t, 1, loser.Losses)

	_, err = f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u2"}, winnerRef(inviteID))
	require.Error(t, err)
	assert.True(t, matchdto.IsCode(err, matchdto.CodeFailedPrecondition))

	again, err := f.dir.Repo().Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1520, again.Rating)
}

func TestUpdateRatingsIgnoresDirectInvites(t *testing.T) {
	f := newFixture(t, "friendly1")
	res, err := f.svc.UpdateRatings(context.Background(), matchdto.Caller{LoginID: "u2"}, winnerRef("friendly1"))
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestUpdateRatingsFromLosingSeat(t *testing.T) {
	f := newFixture(t, inviteID)
	ctx := context.Background()
	ref := matchdto.MatchRef{PlayerID: "u1", OpponentID: "u2", InviteID: inviteID, MatchID: inviteID}
	res, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u1"}, ref)
	require.NoError(t, err)
	assert.True(t, res.OK)

	winner, err := f.dir.Repo().Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1520, winner.Rating)
}

func TestUpdateRatingsUndecidedGame(t *testing.T) {
	f := newFixture(t, inviteID)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, map[string]any{
		model.MatchPath("u1", inviteID) + "/flatMovesString": "e2e4",
		model.MatchPath("u2", inviteID) + "/flatMovesString": "e7e5",
	}))
	_, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u2"}, winnerRef(inviteID))
	require.Error(t, err)
	assert.True(t, matchdto.IsCode(err, matchdto.CodeInternal))
	assert.Contains(t, err.Error(), "Could not confirm victory.")
}

func TestUpdateRatingsPermission(t *testing.T) {
	f := newFixture(t, inviteID)
	ctx := context.Background()

	_, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "spectator"}, winnerRef(inviteID))
	assert.True(t, matchdto.IsCode(err, matchdto.CodePermissionDenied))

	res, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u2-tablet", ProfileID: "p2"}, winnerRef(inviteID))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestUpdateRatingsSurrenderCounts(t *testing.T) {
	f := newFixture(t, inviteID)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, map[string]any{
		model.MatchPath("u1", inviteID) + "/flatMovesString": "e2e4",
		model.MatchPath("u2", inviteID) + "/flatMovesString": "",
		model.MatchPath("u2", inviteID) + "/status":          model.StatusSurrendered,
	}))

	res, err := f.svc.UpdateRatings(ctx, matchdto.Caller{LoginID: "u1"},
		matchdto.MatchRef{PlayerID: "u1", OpponentID: "u2", InviteID: inviteID, MatchID: inviteID})
	require.NoError(t, err)
	assert.True(t, res.OK)
}
