package movesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

var matchPath = model.MatchPath("u1", "inv1")

func newStore(t *testing.T, moves string) *syncstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := syncstore.New(rdb)
	require.NoError(t, st.Set(context.Background(), matchPath, model.Match{Color: model.ColorWhite, FlatMovesString: moves}))
	return st
}

func storedMatch(t *testing.T, st *syncstore.Store) model.Match {
	t.Helper()
	snap, err := st.Get(context.Background(), matchPath)
	require.NoError(t, err)
	var m model.Match
	require.NoError(t, snap.Decode(&m))
	return m
}

func fastConfig() Config {
	return Config{
		TotalBudget:    2 * time.Second,
		AttemptTimeout: 500 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffStep:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		VerifyWindow:   60 * time.Millisecond,
		VerifyInterval: 10 * time.Millisecond,
		ReconnectGap:   time.Second,
	}
}

type reconnects struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (r *reconnects) Reconnect(_ context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return r.err
}

func (r *reconnects) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// flakyStore fails the first n transactions, optionally after writing.
type flakyStore struct {
	*syncstore.Store
	fail       int32
	writeFirst bool
	calls      atomic.Int32
}

func (f *flakyStore) Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error) {
	n := f.calls.Add(1)
	if n > f.fail && f.fail >= 0 {
		return f.Store.Transaction(ctx, path, fn)
	}
	if f.writeFirst {
		if _, err := f.Store.Transaction(ctx, path, fn); err != nil {
			return syncstore.TxResult{}, err
		}
	}
	return syncstore.TxResult{}, errors.New("connection reset by peer")
}

func TestBackoffSchedule(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 700*time.Millisecond, c.Backoff(0))
	assert.Equal(t, 1050*time.Millisecond, c.Backoff(1))
	assert.Equal(t, 3*time.Second, c.Backoff(7))
}

func TestSubmitAppendsOnFirstAttempt(t *testing.T) {
	st := newStore(t, "d2d4")
	p := New(st, WithConfig(fastConfig()))

	out, err := p.Submit(context.Background(), Request{
		Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5", Fen: "fen-after",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Verified)
	assert.Equal(t, "d2d4-e7e5", out.Moves.String())

	m := storedMatch(t, st)
	assert.Equal(t, "d2d4-e7e5", m.FlatMovesString)
	assert.Equal(t, "fen-after", m.Fen)
	assert.Equal(t, model.ColorWhite, m.Color)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.results.WithLabelValues(resultConfirmed)))
}

func TestSubmitFirstMoveOfGame(t *testing.T) {
	st := newStore(t, "")
	p := New(st, WithConfig(fastConfig()))

	_, err := p.Submit(context.Background(), Request{Path: matchPath, Token: "e2e4", Fen: "f"})
	require.NoError(t, err)
	assert.Equal(t, "e2e4", storedMatch(t, st).FlatMovesString)
}

func TestSubmitDivergedHistoryAbortsWithReconnect(t *testing.T) {
	st := newStore(t, "d2d4-c7c5")
	rc := &reconnects{}
	p := New(st, WithConfig(fastConfig()), WithReconnector(rc))

	_, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.ErrorIs(t, err, ErrRemoteConflict)
	assert.Equal(t, "d2d4-c7c5", storedMatch(t, st).FlatMovesString)
	assert.Equal(t, []string{"remote-conflict"}, rc.list())
}

func TestSubmitTreatsExtendedHistoryAsLanded(t *testing.T) {
	st := newStore(t, "d2d4-e7e5-c2c4")
	p := New(st, WithConfig(fastConfig()))

	out, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.NoError(t, err)
	assert.Equal(t, "d2d4-e7e5", out.Moves.String())
	assert.Equal(t, "d2d4-e7e5-c2c4", storedMatch(t, st).FlatMovesString)
}

func TestSubmitStaleSessionWritesNothing(t *testing.T) {
	st := newStore(t, "d2d4")
	p := New(st, WithConfig(fastConfig()))

	_, err := p.Submit(context.Background(), Request{
		Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5", Check: func() bool { return false },
	})
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, "d2d4", storedMatch(t, st).FlatMovesString)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	st := &flakyStore{Store: newStore(t, "d2d4"), fail: 2}
	rc := &reconnects{}
	p := New(st, WithConfig(fastConfig()), WithReconnector(rc))

	out, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "d2d4-e7e5", storedMatch(t, st.Store).FlatMovesString)

	// two failures inside one reconnect gap start one background reconnect
	assert.Eventually(t, func() bool { return len(rc.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(rc.list()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSubmitWaitsForTimedOutAttempt(t *testing.T) {
	base := newStore(t, "d2d4")
	release := make(chan struct{})
	var calls atomic.Int32
	st := &blockingStore{Store: base, release: release, calls: &calls}
	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	p := New(st, WithConfig(cfg))

	time.AfterFunc(150*time.Millisecond, func() { close(release) })
	out, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}

type blockingStore struct {
	*syncstore.Store
	release chan struct{}
	calls   *atomic.Int32
}

func (b *blockingStore) Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return syncstore.TxResult{}, ctx.Err()
	}
	return b.Store.Transaction(ctx, path, fn)
}

func TestSubmitVerifiesLostAcknowledgement(t *testing.T) {
	st := &flakyStore{Store: newStore(t, "d2d4"), fail: -1, writeFirst: true}
	cfg := fastConfig()
	cfg.TotalBudget = 80 * time.Millisecond
	p := New(st, WithConfig(cfg))

	out, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, "d2d4-e7e5", storedMatch(t, st.Store).FlatMovesString)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.results.WithLabelValues(resultVerified)))
}

func unconfirmedConfig() Config {
	cfg := fastConfig()
	cfg.TotalBudget = 50 * time.Millisecond
	cfg.VerifyWindow = 30 * time.Millisecond
	return cfg
}

func TestSubmitUnconfirmedReconnectsWithoutReload(t *testing.T) {
	st := &flakyStore{Store: newStore(t, "d2d4"), fail: -1}
	rc := &reconnects{}
	var reloaded atomic.Bool
	p := New(st, WithConfig(unconfirmedConfig()), WithReconnector(rc), WithReload(func() { reloaded.Store(true) }))

	_, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.False(t, reloaded.Load())
	assert.Contains(t, rc.list(), ReasonUnconfirmed)
	assert.Equal(t, "d2d4", storedMatch(t, st.Store).FlatMovesString)
}

func TestSubmitUnconfirmedReloadsWhenReconnectFails(t *testing.T) {
	st := &flakyStore{Store: newStore(t, "d2d4"), fail: -1}
	rc := &reconnects{err: errors.New("invite unreachable")}
	var reloaded atomic.Bool
	p := New(st, WithConfig(unconfirmedConfig()), WithReconnector(rc), WithReload(func() { reloaded.Store(true) }))

	_, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.True(t, reloaded.Load())
	assert.Contains(t, rc.list(), ReasonUnconfirmed)
}

func TestSubmitUnconfirmedReloadsWhenRecordDiverged(t *testing.T) {
	st := &flakyStore{Store: newStore(t, "c2c4"), fail: -1}
	var reloaded atomic.Bool
	p := New(st, WithConfig(unconfirmedConfig()), WithReconnector(&reconnects{}), WithReload(func() { reloaded.Store(true) }))

	_, err := p.Submit(context.Background(), Request{Path: matchPath, Previous: model.ParseMoves("d2d4"), Token: "e7e5"})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.True(t, reloaded.Load())
}
