package wager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

const (
	maxAttempts  = 3
	retryBackoff = 300 * time.Millisecond
)

// Remote is the callable port the negotiator confirms transitions with.
type Remote interface {
	Wager(ctx context.Context, fn string, req matchdto.WagerRequest) (matchdto.WagerResponse, error)
}

// Seat names the match a Negotiator bargains over.
type Seat struct {
	PlayerID   string
	OpponentID string
	InviteID   string
	MatchID    string
}

// Negotiator is one player's local view of a match wager. Every transition is
// applied locally first and then confirmed; a rejected transition is undone only if
// no agreement or resolution arrived from the store in the meantime.
type Negotiator struct {
	remote Remote
	seat   Seat
	clock  clockwork.Clock

	mu     sync.Mutex
	state  model.WagerState
	frozen model.Materials
	totals model.Materials
	// landmarks counts remote agreement/resolution changes.
	landmarks uint64
}

type NegotiatorOption func(*Negotiator)

func WithNegotiatorClock(c clockwork.Clock) NegotiatorOption {
	return func(n *Negotiator) {
		if c != nil {
			n.clock = c
		}
	}
}

func NewNegotiator(remote Remote, seat Seat, totals model.Materials, opts ...NegotiatorOption) *Negotiator {
	n := &Negotiator{
		remote: remote,
		seat:   seat,
		clock:  clockwork.NewRealClock(),
		frozen: model.Materials{}.Normalized(),
		totals: totals.Normalized(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// View returns copies of the local wager, frozen budget and totals.
func (n *Negotiator) View() (model.WagerState, model.Materials, model.Materials) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Clone(), n.frozen.Clone(), n.totals.Clone()
}

// ApplyRemote replaces local state with what the store delivered. A nil frozen or
// totals leaves that part unchanged.
func (n *Negotiator) ApplyRemote(state model.WagerState, frozen, totals model.Materials) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if landmarkChanged(n.state, state) {
		n.landmarks++
	}
	n.state = state.Clone()
	if totals != nil {
		n.totals = totals.Normalized()
	}
	if frozen != nil {
		n.frozen = frozen.Normalized()
	}
	n.clampLocked()
}

// ApplyFrozen replaces the local frozen budget with the stored one.
func (n *Negotiator) ApplyFrozen(frozen model.Materials) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen = frozen.Normalized()
	n.clampLocked()
}

// SetTotals replaces the mined totals, e.g. after a ratings update paid out.
func (n *Negotiator) SetTotals(totals model.Materials) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.totals = totals.Normalized()
	n.clampLocked()
}

func landmarkChanged(a, b model.WagerState) bool {
	if (a.Agreed == nil) != (b.Agreed == nil) || (a.Resolved == nil) != (b.Resolved == nil) {
		return true
	}
	if a.Agreed != nil && *a.Agreed != *b.Agreed {
		return true
	}
	return a.Resolved != nil && *a.Resolved != *b.Resolved
}

func (n *Negotiator) clampLocked() {
	for _, k := range model.AllMaterials {
		if n.frozen.Get(k) > n.totals.Get(k) {
			n.frozen[k] = n.totals.Get(k)
		}
	}
}

// freezeLocked adds delta of k to the frozen budget, clamped to the totals, and
// returns the change actually applied.
func (n *Negotiator) freezeLocked(k model.Material, delta int) int {
	before := n.frozen.Get(k)
	n.frozen.Add(k, delta)
	if n.frozen.Get(k) > n.totals.Get(k) {
		n.frozen[k] = n.totals.Get(k)
	}
	return n.frozen.Get(k) - before
}

type transition struct {
	fn  string
	req matchdto.WagerRequest
	// apply mutates local state and returns false when the move is locally impossible.
	apply func(n *Negotiator) bool
	// confirm adjusts local state from the server answer.
	confirm func(n *Negotiator, resp matchdto.WagerResponse)
}

func (n *Negotiator) run(ctx context.Context, t transition) (matchdto.WagerResponse, error) {
	n.mu.Lock()
	prevState, prevFrozen, prevTotals := n.state.Clone(), n.frozen.Clone(), n.totals.Clone()
	if !t.apply(n) {
		n.mu.Unlock()
		return matchdto.WagerResponse{OK: false, Reason: matchdto.ReasonProposalMissing}, nil
	}
	n.clampLocked()
	mark := n.landmarks
	n.mu.Unlock()

	t.req.InviteID, t.req.MatchID = n.seat.InviteID, n.seat.MatchID
	resp, err := n.call(ctx, t.fn, t.req)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil && resp.OK {
		if t.confirm != nil {
			t.confirm(n, resp)
			n.clampLocked()
		}
		return resp, nil
	}
	if n.landmarks != mark {
		obslog.L().Warn("wager_rollback_skipped",
			zap.String("fn", t.fn),
			zap.String("match_id", n.seat.MatchID),
			zap.String("reason", resp.Reason),
		)
		return resp, err
	}
	n.state, n.frozen, n.totals = prevState, prevFrozen, prevTotals
	obslog.L().Info("wager_rollback",
		zap.String("fn", t.fn),
		zap.String("match_id", n.seat.MatchID),
		zap.String("reason", resp.Reason),
		zap.Error(err),
	)
	return resp, err
}

func (n *Negotiator) call(ctx context.Context, fn string, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	var (
		resp matchdto.WagerResponse
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err = n.remote.Wager(ctx, fn, req)
		if !retryable(resp, err) || attempt == maxAttempts {
			break
		}
		obslog.L().Debug("wager_call_retry", zap.String("fn", fn), zap.Int("attempt", attempt), zap.String("reason", resp.Reason), zap.Error(err))
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-n.clock.After(retryBackoff):
		}
	}
	return resp, err
}

// retryable covers transport failures and the reasons that describe a read racing
// a write rather than a refusal.
func retryable(resp matchdto.WagerResponse, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var ce *matchdto.CallError
		return !errors.As(err, &ce)
	}
	if resp.OK {
		return false
	}
	return resp.Reason == matchdto.ReasonProposalMissing || resp.Reason == matchdto.ReasonMatchNotFound
}

// Propose offers count of material. The server may confirm fewer.
func (n *Negotiator) Propose(ctx context.Context, material model.Material, count int) (matchdto.WagerResponse, error) {
	me := n.seat.PlayerID
	var applied int
	return n.run(ctx, transition{
		fn:  matchdto.FnSendWager,
		req: matchdto.WagerRequest{Material: string(material), Count: count},
		apply: func(n *Negotiator) bool {
			if n.state.Agreed != nil || n.state.Resolved != nil {
				return false
			}
			if _, dup := n.state.Proposals[me]; dup {
				return false
			}
			if n.state.Proposals == nil {
				n.state.Proposals = map[string]model.Proposal{}
			}
			if n.state.ProposedBy == nil {
				n.state.ProposedBy = map[string]bool{}
			}
			n.state.Proposals[me] = model.Proposal{Material: material, Count: count, CreatedAt: n.clock.Now().UnixMilli()}
			n.state.ProposedBy[me] = true
			applied = n.freezeLocked(material, count)
			return true
		},
		confirm: func(n *Negotiator, resp matchdto.WagerResponse) {
			p, ok := n.state.Proposals[me]
			if !ok {
				return
			}
			n.frozen.Add(material, resp.Count-applied)
			p.Count = resp.Count
			n.state.Proposals[me] = p
		},
	})
}

// Cancel withdraws the local player's proposal.
func (n *Negotiator) Cancel(ctx context.Context) (matchdto.WagerResponse, error) {
	me := n.seat.PlayerID
	return n.run(ctx, transition{
		fn: matchdto.FnCancelWager,
		apply: func(n *Negotiator) bool {
			p, ok := n.state.Proposals[me]
			if !ok {
				return false
			}
			delete(n.state.Proposals, me)
			n.frozen.Add(p.Material, -p.Count)
			return true
		},
	})
}

// Decline refuses the opponent's proposal. The opponent's budget is theirs to
// release, so only the wager map changes here.
func (n *Negotiator) Decline(ctx context.Context) (matchdto.WagerResponse, error) {
	opp := n.seat.OpponentID
	return n.run(ctx, transition{
		fn: matchdto.FnDeclineWager,
		apply: func(n *Negotiator) bool {
			if _, ok := n.state.Proposals[opp]; !ok {
				return false
			}
			delete(n.state.Proposals, opp)
			return true
		},
	})
}

// Accept agrees to the opponent's proposal, releasing the local player's own.
func (n *Negotiator) Accept(ctx context.Context) (matchdto.WagerResponse, error) {
	me, opp := n.seat.PlayerID, n.seat.OpponentID
	var applied int
	return n.run(ctx, transition{
		fn: matchdto.FnAcceptWager,
		apply: func(n *Negotiator) bool {
			offer, ok := n.state.Proposals[opp]
			if !ok || n.state.Agreed != nil || n.state.Resolved != nil {
				return false
			}
			if own, ok := n.state.Proposals[me]; ok {
				n.frozen.Add(own.Material, -own.Count)
			}
			n.state.Agreed = &model.Agreement{
				Material:   offer.Material,
				Count:      offer.Count,
				Total:      offer.Count * 2,
				ProposerID: opp,
				AccepterID: me,
				AcceptedAt: n.clock.Now().UnixMilli(),
			}
			n.state.Proposals = nil
			applied = n.freezeLocked(offer.Material, offer.Count)
			return true
		},
		confirm: func(n *Negotiator, resp matchdto.WagerResponse) {
			a := n.state.Agreed
			if a == nil {
				return
			}
			n.frozen.Add(a.Material, resp.Count-applied)
			a.Count, a.Total = resp.Count, resp.Count*2
		},
	})
}

// ResolveOutcome settles an agreed wager once the match is over. An explicit
// resolution already in local state decides the winner; otherwise isWin does.
func (n *Negotiator) ResolveOutcome(ctx context.Context, isWin bool) (matchdto.WagerResponse, error) {
	me, opp := n.seat.PlayerID, n.seat.OpponentID
	var settled *model.Resolution
	return n.run(ctx, transition{
		fn:  matchdto.FnResolveWager,
		req: matchdto.WagerRequest{PlayerID: me, OpponentID: opp},
		apply: func(n *Negotiator) bool {
			a := n.state.Agreed
			if a == nil || n.state.Resolved != nil {
				// nothing to move locally; the server still releases open proposals
				return true
			}
			winner, loser := me, opp
			if !isWin {
				winner, loser = opp, me
			}
			settled = &model.Resolution{
				Material:   a.Material,
				Count:      a.Count,
				Total:      a.Total,
				WinnerID:   winner,
				LoserID:    loser,
				ResolvedAt: n.clock.Now().UnixMilli(),
			}
			n.state.Resolved = settled
			n.state.Proposals = nil
			n.frozen.Add(a.Material, -a.Count)
			if isWin {
				n.totals.Add(a.Material, a.Count)
			} else {
				n.totals.Add(a.Material, -a.Count)
			}
			return true
		},
		confirm: func(n *Negotiator, resp matchdto.WagerResponse) {
			if resp.Mining != nil {
				totals := model.Materials{}
				for k, v := range resp.Mining.Materials {
					if m, ok := model.ParseMaterial(k); ok {
						totals[m] = v
					}
				}
				n.totals = totals.Normalized()
			}
			if settled != nil && resp.WinnerID != "" && resp.WinnerID != settled.WinnerID {
				obslog.L().Warn("wager_resolution_corrected",
					zap.String("match_id", n.seat.MatchID),
					zap.String("local_winner", settled.WinnerID),
					zap.String("server_winner", resp.WinnerID),
				)
				n.state.Resolved.WinnerID, n.state.Resolved.LoserID = resp.WinnerID, resp.LoserID
			}
		},
	})
}
