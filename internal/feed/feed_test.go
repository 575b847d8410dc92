package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/observer"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

func newFeed(t *testing.T) (*syncstore.Store, *observer.Registry, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := syncstore.New(rdb)
	require.NoError(t, st.Update(context.Background(), map[string]any{
		model.InvitePath("inv1"):      model.Invite{Version: 2, HostID: "u1", HostColor: model.ColorWhite, GuestID: "u2"},
		model.MatchPath("u1", "inv1"): model.Match{Version: 2, Color: model.ColorWhite},
		model.MatchPath("u2", "inv1"): model.Match{Version: 2, Color: model.ColorBlack},
	}))
	reg := prometheus.NewRegistry()
	obs := observer.NewRegistry(reg)
	srv := httptest.NewServer(NewServer(st, obs, reg).Handler())
	t.Cleanup(srv.Close)
	return st, obs, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWatcherReceivesBothSeats(t *testing.T) {
	st, obs, srv := newFeed(t)
	frames := make(chan Frame, 16)
	w := NewWatcher(wsURL(srv, "/watch/inv1/inv1"), 0, time.Millisecond)
	w.OnFrame(func(f Frame) { frames <- f })
	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, StateConnected, w.State())

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case f := <-frames:
			require.NotNil(t, f.Match)
			seen[f.Seat] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("initial frames missing, got %v", seen)
		}
	}

	require.NoError(t, st.Set(context.Background(), model.MatchPath("u1", "inv1")+"/flatMovesString", "e2e4"))
	select {
	case f := <-frames:
		assert.Equal(t, "host", f.Seat)
		assert.Equal(t, "u1", f.PlayerID)
		assert.Equal(t, "e2e4", f.Match.FlatMovesString)
	case <-time.After(2 * time.Second):
		t.Fatalf("no update frame")
	}
	assert.Equal(t, 1, obs.Counts()[observer.KindMatch])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	require.Eventually(t, func() bool {
		c := obs.Counts()
		return c[observer.KindMatch] == 0 && c[observer.KindOpponentMatch] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchUnknownInvite(t *testing.T) {
	_, _, srv := newFeed(t)
	resp, err := http.Get(srv.URL + "/watch/nope/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, obs, srv := newFeed(t)
	obs.RegisterFunc("ctx", "k", observer.KindInvite, func() error { return nil })
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `matchsync_live_observers{kind="invite"} 1`)
}
