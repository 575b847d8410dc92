package matchclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/movesync"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/rematch"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/wager"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

// ErrStale reports a result that arrived after its context was torn down.
var ErrStale = errors.New("matchclient: context changed while the call was running")

func (c *Client) writable() (session.Context, error) {
	sc, ok := c.guard.Active()
	if !ok {
		return session.Context{}, ErrNotConnected
	}
	if !sc.CanWrite {
		return session.Context{}, ErrReadOnly
	}
	return sc, nil
}

func (c *Client) live(sc session.Context) bool { return c.guard.ContextActive(sc.ID, sc.Epoch) }

func ref(sc session.Context) matchdto.MatchRef {
	return matchdto.MatchRef{PlayerID: sc.PlayerID, InviteID: sc.InviteID, MatchID: sc.MatchID, OpponentID: sc.OpponentID}
}

// SendMove appends token to the own match record. A move aimed at a match the
// client already left is dropped with ErrWrongMatch.
func (c *Client) SendMove(ctx context.Context, token, fen, expectedMatchID string) (movesync.Outcome, error) {
	// the history is stored "-"-joined, so a token must survive a round trip
	if token == "" || strings.Contains(token, "-") {
		return movesync.Outcome{}, fmt.Errorf("%w: %q", ErrBadToken, token)
	}
	sc, err := c.writable()
	if err != nil {
		return movesync.Outcome{}, err
	}
	if expectedMatchID != sc.MatchID {
		obslog.L().Info("move_dropped_wrong_match", zap.String("expected", expectedMatchID), zap.String("active", sc.MatchID))
		return movesync.Outcome{}, ErrWrongMatch
	}
	c.mu.Lock()
	own := c.own
	c.mu.Unlock()
	if own == nil {
		return movesync.Outcome{}, ErrNotConnected
	}

	out, err := c.pipeline.Submit(ctx, movesync.Request{
		Path:     model.MatchPath(sc.PlayerID, sc.MatchID),
		Previous: own.Moves(),
		Token:    token,
		Fen:      fen,
		Check:    func() bool { return c.live(sc) },
	})
	if err != nil {
		return out, err
	}
	c.guard.WithContext(sc.ID, sc.Epoch, func() {
		c.mu.Lock()
		if c.own != nil && out.Moves.HasPrefix(c.own.Moves()) {
			m := *c.own
			m.FlatMovesString = out.Moves.String()
			m.Fen = fen
			c.own = &m
		}
		c.mu.Unlock()
	})
	return out, nil
}

// Surrender marks the own record as given up.
func (c *Client) Surrender(ctx context.Context) error {
	sc, err := c.writable()
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, model.MatchPath(sc.PlayerID, sc.MatchID)+"/status", model.StatusSurrendered); err != nil {
		return err
	}
	obslog.L().Info("match_surrendered", zap.String("match_id", sc.MatchID), zap.String("player_id", sc.PlayerID))
	return nil
}

// SendReaction replaces the caller's slot in the invite's reactions.
func (c *Client) SendReaction(ctx context.Context, kind string, variation int) (model.Reaction, error) {
	sc, err := c.writable()
	if err != nil {
		return model.Reaction{}, err
	}
	r := model.Reaction{UUID: uuid.NewString(), Variation: variation, Kind: kind}
	if err := c.store.Set(ctx, model.ReactionsPath(sc.InviteID)+"/"+sc.PlayerID, r); err != nil {
		return model.Reaction{}, err
	}
	return r, nil
}

// ProposeRematch proposes the next match of the series.
func (c *Client) ProposeRematch(ctx context.Context, emojiID int, aura string) (rematch.Proposal, error) {
	sc, err := c.writable()
	if err != nil {
		return rematch.Proposal{}, err
	}
	p, err := c.seq.Propose(ctx, &sc, emojiID, aura)
	if err != nil {
		return rematch.Proposal{}, err
	}
	if !c.live(sc) {
		return p, ErrStale
	}
	return p, nil
}

func (c *Client) EndSeries(ctx context.Context) error {
	sc, err := c.writable()
	if err != nil {
		return err
	}
	return c.seq.EndSeries(ctx, &sc)
}

// Series returns the rematch lists as last observed.
func (c *Client) Series() rematch.Series {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.series
}

// Matches returns copies of the cached own and opponent records.
func (c *Client) Matches() (own, opponent *model.Match) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.own != nil {
		m := *c.own
		own = &m
	}
	if c.opponent != nil {
		m := *c.opponent
		opponent = &m
	}
	return own, opponent
}

// StartTimer arms the opponent's move deadline.
func (c *Client) StartTimer(ctx context.Context) (matchdto.StartTimerResponse, error) {
	sc, err := c.writable()
	if err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	resp, err := c.calls.StartMatchTimer(ctx, ref(sc))
	if err != nil {
		return resp, err
	}
	if !c.live(sc) {
		return resp, ErrStale
	}
	return resp, nil
}

// ClaimTimer claims the win after the opponent's deadline passed.
func (c *Client) ClaimTimer(ctx context.Context) (matchdto.OKResponse, error) {
	sc, err := c.writable()
	if err != nil {
		return matchdto.OKResponse{}, err
	}
	resp, err := c.calls.ClaimVictoryByTimer(ctx, ref(sc))
	if err != nil {
		return resp, err
	}
	if !c.live(sc) {
		return resp, ErrStale
	}
	return resp, nil
}

// UpdateRatings settles ratings for an automatch game and adopts the returned
// mined totals.
func (c *Client) UpdateRatings(ctx context.Context) (matchdto.UpdateRatingsResponse, error) {
	sc, err := c.writable()
	if err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}
	resp, err := c.calls.UpdateRatings(ctx, ref(sc))
	if err != nil {
		return resp, err
	}
	if resp.Mining != nil {
		c.SetMaterials(materialsOf(resp.Mining.Materials))
	}
	if !c.live(sc) {
		return resp, ErrStale
	}
	return resp, nil
}

func materialsOf(wire map[string]int) model.Materials {
	out := model.Materials{}
	for k, v := range wire {
		if m, ok := model.ParseMaterial(k); ok {
			out[m] = v
		}
	}
	return out.Normalized()
}

// SetMaterials replaces the locally known mined totals.
func (c *Client) SetMaterials(totals model.Materials) {
	c.mu.Lock()
	c.totals = totals.Normalized()
	n := c.negotiator
	c.mu.Unlock()
	if n != nil {
		n.SetTotals(totals)
	}
}

func (c *Client) wagering() (session.Context, *wager.Negotiator, error) {
	sc, err := c.writable()
	if err != nil {
		return session.Context{}, nil, err
	}
	c.mu.Lock()
	n := c.negotiator
	c.mu.Unlock()
	if n == nil {
		return session.Context{}, nil, ErrNoWager
	}
	return sc, n, nil
}

func (c *Client) afterWager(sc session.Context, nr *wager.Negotiator, resp matchdto.WagerResponse, err error) (matchdto.WagerResponse, error) {
	if !c.live(sc) {
		return resp, ErrStale
	}
	state, frozen, _ := nr.View()
	c.emitFor(sc, Event{Kind: EventWager, Wager: &state, Frozen: frozen})
	return resp, err
}

func (c *Client) ProposeWager(ctx context.Context, material model.Material, count int) (matchdto.WagerResponse, error) {
	sc, nr, err := c.wagering()
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	resp, err := nr.Propose(ctx, material, count)
	return c.afterWager(sc, nr, resp, err)
}

func (c *Client) CancelWager(ctx context.Context) (matchdto.WagerResponse, error) {
	sc, nr, err := c.wagering()
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	resp, err := nr.Cancel(ctx)
	return c.afterWager(sc, nr, resp, err)
}

func (c *Client) DeclineWager(ctx context.Context) (matchdto.WagerResponse, error) {
	sc, nr, err := c.wagering()
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	resp, err := nr.Decline(ctx)
	return c.afterWager(sc, nr, resp, err)
}

func (c *Client) AcceptWager(ctx context.Context) (matchdto.WagerResponse, error) {
	sc, nr, err := c.wagering()
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	resp, err := nr.Accept(ctx)
	return c.afterWager(sc, nr, resp, err)
}

// ResolveWager settles the agreed stake once the game has a winner.
func (c *Client) ResolveWager(ctx context.Context, isWin bool) (matchdto.WagerResponse, error) {
	sc, nr, err := c.wagering()
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	resp, err := nr.ResolveOutcome(ctx, isWin)
	if err == nil && resp.Mining != nil {
		c.mu.Lock()
		c.totals = materialsOf(resp.Mining.Materials)
		c.mu.Unlock()
	}
	return c.afterWager(sc, nr, resp, err)
}

// WagerView returns the local wager, frozen budget and totals.
func (c *Client) WagerView() (model.WagerState, model.Materials, model.Materials, error) {
	_, nr, err := c.wagering()
	if err != nil {
		return model.WagerState{}, nil, nil, err
	}
	state, frozen, totals := nr.View()
	return state, frozen, totals, nil
}
