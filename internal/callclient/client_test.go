package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/cheese-matchsync/internal/functions"
	"github.com/park285/cheese-matchsync/internal/httpapi"
	"github.com/park285/cheese-matchsync/internal/httpx"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

func serve(t *testing.T, reg *functions.Registry, caller matchdto.Caller) *Client {
	t.Helper()
	srv := httpapi.New(reg, "tok")
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.App().Listener(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return New("http://inmemory", "tok", caller,
		httpx.WithTimeout(2*time.Second),
		httpx.WithDialer(func(string) (net.Conn, error) { return ln.Dial() }),
	)
}

func TestWagerRoundTrip(t *testing.T) {
	reg := functions.NewRegistry(functions.Deps{})
	reg.Register(matchdto.FnSendWager, func(_ context.Context, c functions.Caller, raw json.RawMessage) (any, error) {
		var req matchdto.WagerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		assert.Equal(t, "u1", c.LoginID)
		assert.Equal(t, "p1", c.ProfileID)
		return matchdto.WagerResponse{OK: true, Material: req.Material, Count: req.Count - 1}, nil
	})
	cl := serve(t, reg, matchdto.Caller{LoginID: "u1", ProfileID: "p1"})

	resp, err := cl.Wager(context.Background(), matchdto.FnSendWager, matchdto.WagerRequest{InviteID: "inv1", MatchID: "inv1", Material: "ice", Count: 5})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, 4, resp.Count)
}

func TestCallErrorSurvivesTheWire(t *testing.T) {
	reg := functions.NewRegistry(functions.Deps{})
	reg.Register(matchdto.FnClaimTimerVictory, func(context.Context, functions.Caller, json.RawMessage) (any, error) {
		return nil, matchdto.FailedPrecondition("can't claim yet, 1200 ms remaining")
	})
	cl := serve(t, reg, matchdto.Caller{LoginID: "u1"})

	_, err := cl.ClaimVictoryByTimer(context.Background(), matchdto.MatchRef{PlayerID: "u1"})
	var ce *matchdto.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, matchdto.CodeFailedPrecondition, ce.Code)
	assert.Equal(t, "can't claim yet, 1200 ms remaining", ce.Message)
}

func TestSetCallerSwitchesIdentity(t *testing.T) {
	reg := functions.NewRegistry(functions.Deps{})
	reg.Register("whoami", func(_ context.Context, c functions.Caller, _ json.RawMessage) (any, error) {
		return c.LoginID, nil
	})
	cl := serve(t, reg, matchdto.Caller{LoginID: "old"})
	cl.SetCaller(matchdto.Caller{LoginID: "new"})

	var who string
	require.NoError(t, cl.Call(context.Background(), "whoami", nil, &who))
	assert.Equal(t, "new", who)
}
