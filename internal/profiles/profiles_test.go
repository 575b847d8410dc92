package profiles

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDirectory(syncstore.New(rdb), NewMemoryRepository())
}

func TestLinkAndResolveByPointer(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, d.Link(ctx, "login-1", "p1"))
	require.NoError(t, d.Link(ctx, "login-1", "p1"))

	pid, err := d.ProfileIDForPlayer(ctx, "login-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", pid)

	p, err := d.ForCaller(ctx, "login-1", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"login-1"}, p.Logins)
	assert.Equal(t, DefaultRating, p.Rating)
}

func TestForCallerFallsBackToLoginQuery(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, d.Repo().Upsert(ctx, &matchdto.Profile{ID: "p9", Logins: []string{"old", "new"}}))

	p, err := d.ForCaller(ctx, "new", "")
	require.NoError(t, err)
	assert.Equal(t, "p9", p.ID)

	_, err = d.ForCaller(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestEditUsernameValidationAndUniqueness(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, d.Link(ctx, "a", "pa"))
	require.NoError(t, d.Link(ctx, "b", "pb"))

	res, err := d.EditUsername(ctx, "a", "", "waytoolongname15")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.ValidationError)

	res, _ = d.EditUsername(ctx, "a", "", "bad name")
	assert.False(t, res.OK)

	res, err = d.EditUsername(ctx, "a", "", "Alice")
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = d.EditUsername(ctx, "b", "", "alice")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, TakenMessage, res.ValidationError)

	res, _ = d.EditUsername(ctx, "ghost", "", "ghost")
	assert.False(t, res.OK)
	assert.Empty(t, res.ValidationError)
}

func TestMemoryTransferClampsLoser(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, &matchdto.Profile{ID: "w", Materials: map[string]int{"ice": 1}}))
	require.NoError(t, repo.Upsert(ctx, &matchdto.Profile{ID: "l", Materials: map[string]int{"ice": 2}}))

	w, l, err := repo.TransferMaterials(ctx, "ice", 3, "w", "l")
	require.NoError(t, err)
	assert.Equal(t, 4, w["ice"])
	assert.Equal(t, 0, l["ice"])

	require.NoError(t, repo.ApplyRatings(ctx, RatingChange{ProfileID: "w", Rating: 1510, Nonce: 1, Win: true}, RatingChange{ProfileID: "l", Rating: 1490, Nonce: 1}))
	pw, _ := repo.Get(ctx, "w")
	assert.Equal(t, 1, pw.Wins)
	assert.Equal(t, 1, pw.GamesCount)
}

func TestAuthorizeSeatByLoginOrProfileClaim(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, d.Link(ctx, "seat-login", "p1"))

	assert.NoError(t, d.AuthorizeSeat(ctx, matchdto.Caller{LoginID: "seat-login"}, "seat-login"))
	assert.NoError(t, d.AuthorizeSeat(ctx, matchdto.Caller{LoginID: "other", ProfileID: "p1"}, "seat-login"))

	err := d.AuthorizeSeat(ctx, matchdto.Caller{LoginID: "other"}, "seat-login")
	assert.True(t, matchdto.IsCode(err, matchdto.CodePermissionDenied))
	err = d.AuthorizeSeat(ctx, matchdto.Caller{LoginID: "other", ProfileID: "p2"}, "seat-login")
	assert.True(t, matchdto.IsCode(err, matchdto.CodePermissionDenied))
}
