// Package callclient invokes the callables from the client side.
package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/park285/cheese-matchsync/internal/httpx"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

type Client struct {
	http  *httpx.Client
	token string

	mu     sync.RWMutex
	caller matchdto.Caller
}

// New talks to baseURL (the gateway or the server itself) on behalf of caller.
func New(baseURL, gatewayToken string, caller matchdto.Caller, opts ...httpx.Option) *Client {
	c := &Client{token: gatewayToken, caller: caller}
	opts = append([]httpx.Option{httpx.WithHeaderProvider(c.headers)}, opts...)
	c.http = httpx.NewClient(baseURL, opts...)
	return c
}

// SetCaller switches identity, e.g. after the auth uid rotated.
func (c *Client) SetCaller(caller matchdto.Caller) {
	c.mu.Lock()
	c.caller = caller
	c.mu.Unlock()
}

func (c *Client) headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := map[string]string{
		matchdto.HeaderLoginID:   c.caller.LoginID,
		matchdto.HeaderProfileID: c.caller.ProfileID,
	}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	return h
}

// Call invokes fn with in and decodes the result into out. Callable failures come
// back as *matchdto.CallError; anything else is a transport failure. Transport
// retry stays with the caller, which knows whether the call is idempotent.
func (c *Client) Call(ctx context.Context, fn string, in, out any) error {
	var env matchdto.Envelope
	err := c.http.PostJSON(ctx, "/fn/"+fn, in, &env, false)
	if err != nil {
		var serr *httpx.StatusError
		if errors.As(err, &serr) {
			var failed matchdto.Envelope
			if json.Unmarshal(serr.Body, &failed) == nil && failed.Error != nil {
				return failed.Error
			}
		}
		return fmt.Errorf("call %s: %w", fn, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("call %s: decode result: %w", fn, err)
	}
	return nil
}

// Wager satisfies the negotiator's remote port.
func (c *Client) Wager(ctx context.Context, fn string, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	var resp matchdto.WagerResponse
	err := c.Call(ctx, fn, req, &resp)
	return resp, err
}

func (c *Client) StartMatchTimer(ctx context.Context, ref matchdto.MatchRef) (matchdto.StartTimerResponse, error) {
	var resp matchdto.StartTimerResponse
	err := c.Call(ctx, matchdto.FnStartMatchTimer, ref, &resp)
	return resp, err
}

func (c *Client) ClaimVictoryByTimer(ctx context.Context, ref matchdto.MatchRef) (matchdto.OKResponse, error) {
	var resp matchdto.OKResponse
	err := c.Call(ctx, matchdto.FnClaimTimerVictory, ref, &resp)
	return resp, err
}

func (c *Client) UpdateRatings(ctx context.Context, ref matchdto.MatchRef) (matchdto.UpdateRatingsResponse, error) {
	var resp matchdto.UpdateRatingsResponse
	err := c.Call(ctx, matchdto.FnUpdateRatings, ref, &resp)
	return resp, err
}

func (c *Client) Automatch(ctx context.Context, emojiID int, aura string) (matchdto.AutomatchResponse, error) {
	var resp matchdto.AutomatchResponse
	err := c.Call(ctx, matchdto.FnAutomatch, matchdto.AutomatchRequest{EmojiID: emojiID, Aura: aura}, &resp)
	return resp, err
}

func (c *Client) CancelAutomatch(ctx context.Context) (matchdto.OKResponse, error) {
	var resp matchdto.OKResponse
	err := c.Call(ctx, matchdto.FnCancelAutomatch, struct{}{}, &resp)
	return resp, err
}

func (c *Client) EditUsername(ctx context.Context, username string) (matchdto.EditUsernameResponse, error) {
	var resp matchdto.EditUsernameResponse
	err := c.Call(ctx, matchdto.FnEditUsername, matchdto.EditUsernameRequest{Username: username}, &resp)
	return resp, err
}
