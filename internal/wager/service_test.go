package wager

import (
	"context"
	"errors"
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

const (
	inviteID = "inv1"
	matchID  = "inv1"
)

var (
	host  = matchdto.Caller{LoginID: "u1"}
	guest = matchdto.Caller{LoginID: "u2"}
)

type fixture struct {
	svc   *Service
	store *syncstore.Store
	repo  profiles.Repository
}

// u1 (white) holds 10 ice and 3 gum, u2 (black) holds 4 ice; black mates in two.
func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := syncstore.New(rdb)
	repo := profiles.NewMemoryRepository()
	dir := profiles.NewDirectory(st, repo)
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &matchdto.Profile{ID: "p1", Username: "alice", Materials: map[string]int{"ice": 10, "gum": 3}}))
	require.NoError(t, repo.Upsert(ctx, &matchdto.Profile{ID: "p2", Username: "bob", Materials: map[string]int{"ice": 4}}))
	require.NoError(t, dir.Link(ctx, "u1", "p1"))
	require.NoError(t, dir.Link(ctx, "u2", "p2"))
	require.NoError(t, st.Update(ctx, map[string]any{
		model.InvitePath(inviteID):     model.Invite{Version: 2, HostID: "u1", HostColor: model.ColorWhite, GuestID: "u2"},
		model.MatchPath("u1", matchID): model.Match{Color: model.ColorWhite, FlatMovesString: "f2f3-g2g4"},
		model.MatchPath("u2", matchID): model.Match{Color: model.ColorBlack, FlatMovesString: "e7e5-d8h4"},
	}))
	return fixture{svc: NewService(st, dir, rules.ChessEngine{}), store: st, repo: repo}
}

func req(material string, count int) matchdto.WagerRequest {
	return matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, Material: material, Count: count}
}

func frozenOf(t *testing.T, st *syncstore.Store, actor string) model.Materials {
	t.Helper()
	snap, err := st.Get(context.Background(), model.FrozenPath(actor))
	require.NoError(t, err)
	var m model.Materials
	require.NoError(t, snap.Decode(&m))
	return m.Normalized()
}

func wagerOf(t *testing.T, st *syncstore.Store) model.WagerState {
	t.Helper()
	snap, err := st.Get(context.Background(), model.WagerPath(inviteID, matchID))
	require.NoError(t, err)
	var w model.WagerState
	require.NoError(t, snap.Decode(&w))
	return w
}

func TestProposeClampsToAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Propose(ctx, host, req("ice", 50))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 10, res.Count)
	assert.Equal(t, 10, frozenOf(t, f.store, "u1").Get(model.Ice))
	assert.Equal(t, 10, wagerOf(t, f.store).Proposals["u1"].Count)

	// one open proposal per player; the extra reservation is handed back
	res, err = f.svc.Propose(ctx, host, req("gum", 2))
	require.NoError(t, err)
	assert.Equal(t, matchdto.ReasonProposalUnavailable, res.Reason)
	assert.Equal(t, 0, frozenOf(t, f.store, "u1").Get(model.Gum))

	res, err = f.svc.Propose(ctx, guest, req("gum", 1))
	require.NoError(t, err)
	assert.Equal(t, matchdto.ReasonInsufficient, res.Reason)
}

func TestProposeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, map[string]any{
		model.InvitePath("auto_x"): model.Invite{Version: 2, HostID: "u1", GuestID: "u2"},
		model.InvitePath("lonely"): model.Invite{Version: 2, HostID: "u1"},
	}))

	cases := []struct {
		name   string
		req    matchdto.WagerRequest
		reason string
	}{
		{"unknown material", req("gold", 1), matchdto.ReasonInvalidArgument},
		{"zero count", req("ice", 0), matchdto.ReasonInvalidArgument},
		{"automatch", matchdto.WagerRequest{InviteID: "auto_x", MatchID: "auto_x", Material: "ice", Count: 1}, matchdto.ReasonAutomatchDisabled},
		{"missing invite", matchdto.WagerRequest{InviteID: "nope", MatchID: "nope", Material: "ice", Count: 1}, matchdto.ReasonInviteNotFound},
		{"no guest", matchdto.WagerRequest{InviteID: "lonely", MatchID: "lonely", Material: "ice", Count: 1}, matchdto.ReasonMissingOpponent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.Propose(ctx, host, tc.req)
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}

	_, err := f.svc.Propose(ctx, matchdto.Caller{LoginID: "spectator"}, req("ice", 1))
	assert.True(t, matchdto.IsCode(err, matchdto.CodePermissionDenied))

	_, err = f.svc.Propose(ctx, matchdto.Caller{}, req("ice", 1))
	assert.True(t, matchdto.IsCode(err, matchdto.CodeUnauthenticated))

	// a second device carrying the profile claim acts for the seat
	res, err := f.svc.Propose(ctx, matchdto.Caller{LoginID: "u1-phone", ProfileID: "p1"}, req("ice", 1))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestCancelAndDeclineReleaseFrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, host, req("ice", 3))
	require.NoError(t, err)
	res, err := f.svc.Cancel(ctx, host, req("", 0))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, 0, frozenOf(t, f.store, "u1").Get(model.Ice))

	res, err = f.svc.Cancel(ctx, host, req("", 0))
	require.NoError(t, err)
	assert.Equal(t, matchdto.ReasonProposalMissing, res.Reason)

	_, err = f.svc.Propose(ctx, guest, req("ice", 2))
	require.NoError(t, err)
	assert.Equal(t, 2, frozenOf(t, f.store, "u2").Get(model.Ice))
	res, err = f.svc.Decline(ctx, host, req("", 0))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, frozenOf(t, f.store, "u2").Get(model.Ice))
	assert.Empty(t, wagerOf(t, f.store).Proposals)
}

func TestAcceptClampsAndAdjustsProposer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, host, req("ice", 10))
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, guest, req("ice", 1))
	require.NoError(t, err)

	res, err := f.svc.Accept(ctx, guest, req("", 0))
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 4, res.Count)
	assert.Equal(t, 8, res.Total)

	w := wagerOf(t, f.store)
	require.NotNil(t, w.Agreed)
	assert.Equal(t, model.Agreement{
		Material: model.Ice, Count: 4, Total: 8, ProposerID: "u1", AccepterID: "u2", AcceptedAt: w.Agreed.AcceptedAt,
	}, *w.Agreed)
	assert.Empty(t, w.Proposals)
	assert.Equal(t, 4, frozenOf(t, f.store, "u1").Get(model.Ice))
	assert.Equal(t, 4, frozenOf(t, f.store, "u2").Get(model.Ice))

	res, err = f.svc.Accept(ctx, host, req("", 0))
	require.NoError(t, err)
	assert.Equal(t, matchdto.ReasonProposalMissing, res.Reason)
}

func TestResolveTransfersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Propose(ctx, host, req("ice", 4))
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, guest, req("", 0))
	require.NoError(t, err)

	resolve := matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, PlayerID: "u2", OpponentID: "u1"}
	res, err := f.svc.Resolve(ctx, guest, resolve)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "u2", res.WinnerID)
	assert.Equal(t, "u1", res.LoserID)
	require.NotNil(t, res.Mining)
	assert.Equal(t, 8, res.Mining.Materials["ice"])

	winner, err := f.repo.Get(ctx, "p2")
	require.NoError(t, err)
	loser, err := f.repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 8, winner.Materials["ice"])
	assert.Equal(t, 6, loser.Materials["ice"])
	assert.Equal(t, 0, frozenOf(t, f.store, "u1").Get(model.Ice))
	assert.Equal(t, 0, frozenOf(t, f.store, "u2").Get(model.Ice))
	require.NotNil(t, wagerOf(t, f.store).Resolved)

	// the loser's client settling the same match changes nothing
	res, err = f.svc.Resolve(ctx, host, matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, PlayerID: "u1", OpponentID: "u2"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, matchdto.ReasonAlreadyResolved, res.Reason)
	again, err := f.repo.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 8, again.Materials["ice"])
}

// flakyTransfer fails the first fail settlements.
type flakyTransfer struct {
	profiles.Repository
	fail int
}

func (r *flakyTransfer) TransferMaterials(ctx context.Context, material string, count int, winnerID, loserID string) (map[string]int, map[string]int, error) {
	if r.fail > 0 {
		r.fail--
		return nil, nil, errors.New("ledger unavailable")
	}
	return r.Repository.TransferMaterials(ctx, material, count, winnerID, loserID)
}

func TestResolveFailedTransferCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Propose(ctx, host, req("ice", 4))
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, guest, req("", 0))
	require.NoError(t, err)

	svc := NewService(f.store, profiles.NewDirectory(f.store, &flakyTransfer{Repository: f.repo, fail: 1}), rules.ChessEngine{})
	resolve := matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, PlayerID: "u2", OpponentID: "u1"}
	_, err = svc.Resolve(ctx, guest, resolve)
	require.Error(t, err)

	snap, err := f.store.Get(ctx, model.WagerResolutionFlagPath(inviteID, matchID))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
	assert.Nil(t, wagerOf(t, f.store).Resolved)
	assert.Equal(t, 4, frozenOf(t, f.store, "u1").Get(model.Ice))

	res, err := svc.Resolve(ctx, guest, resolve)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Empty(t, res.Reason)
	assert.Equal(t, "u2", res.WinnerID)
	winner, err := f.repo.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 8, winner.Materials["ice"])
}

func TestResolveReleasesOpenProposals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Propose(ctx, host, req("ice", 5))
	require.NoError(t, err)

	res, err := f.svc.Resolve(ctx, guest, matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, PlayerID: "u2", OpponentID: "u1"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.WinnerID)
	assert.Equal(t, 0, frozenOf(t, f.store, "u1").Get(model.Ice))

	loser, err := f.repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, loser.Materials["ice"])
}

func TestResolveWithoutWagerOrWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolve := matchdto.WagerRequest{InviteID: inviteID, MatchID: matchID, PlayerID: "u2", OpponentID: "u1"}

	res, err := f.svc.Resolve(ctx, guest, resolve)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, matchdto.ReasonNoWager, res.Reason)

	require.NoError(t, f.store.Set(ctx, model.MatchPath("u2", matchID)+"/flatMovesString", "e7e5"))
	_, err = f.svc.Resolve(ctx, guest, resolve)
	assert.True(t, matchdto.IsCode(err, matchdto.CodeInternal))

	res, err = f.svc.Resolve(ctx, guest, matchdto.WagerRequest{InviteID: inviteID, MatchID: "inv1_2", PlayerID: "u2", OpponentID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, matchdto.ReasonMatchNotFound, res.Reason)
}
