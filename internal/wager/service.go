// Package wager runs the side-bet attached to a friendly match. Service is the
// authoritative callable side; Negotiator is the client state machine that applies
// transitions optimistically and reconciles with the Service's answers.
package wager

import (
	"context"
	"errors"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/notify"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/profiles"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

type Store interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	BatchGet(ctx context.Context, paths ...string) ([]syncstore.Snapshot, error)
	Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error)
	Remove(ctx context.Context, path string) error
}

type Service struct {
	store    Store
	dir      *profiles.Directory
	engine   rules.Engine
	clock    clockwork.Clock
	notifier notify.Notifier
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func NewService(store Store, dir *profiles.Directory, engine rules.Engine, opts ...Option) *Service {
	s := &Service{store: store, dir: dir, engine: engine, clock: clockwork.NewRealClock(), notifier: notify.Nop{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func reject(reason string) matchdto.WagerResponse { return matchdto.WagerResponse{OK: false, Reason: reason} }

// seat locates the caller at the invite by login, or by profile claim against the
// seats' profile pointers.
type seat struct {
	inviteID   string
	invite     model.Invite
	playerID   string
	opponentID string
}

func (s *Service) seat(ctx context.Context, caller matchdto.Caller, inviteID, action string) (*seat, *matchdto.WagerResponse, error) {
	if !caller.Authenticated() {
		return nil, nil, matchdto.Unauthenticated()
	}
	if strings.TrimSpace(inviteID) == "" {
		r := reject(matchdto.ReasonInvalidArgument)
		return nil, &r, nil
	}
	if model.IsAutomatchInvite(inviteID) {
		r := reject(matchdto.ReasonAutomatchDisabled)
		return nil, &r, nil
	}
	snap, err := s.store.Get(ctx, model.InvitePath(inviteID))
	if err != nil {
		return nil, nil, err
	}
	if !snap.Exists() {
		r := reject(matchdto.ReasonInviteNotFound)
		return nil, &r, nil
	}
	var inv model.Invite
	if err := snap.Decode(&inv); err != nil {
		return nil, nil, err
	}
	player := ""
	switch {
	case caller.LoginID == inv.HostID:
		player = inv.HostID
	case inv.GuestID != "" && caller.LoginID == inv.GuestID:
		player = inv.GuestID
	case caller.ProfileID != "":
		for _, id := range []string{inv.HostID, inv.GuestID} {
			if id == "" {
				continue
			}
			pid, err := s.dir.ProfileIDForPlayer(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			if pid == caller.ProfileID {
				player = id
				break
			}
		}
	}
	if player == "" {
		return nil, nil, matchdto.PermissionDenied("You don't have permission to " + action + ".")
	}
	if inv.GuestID == "" {
		r := reject(matchdto.ReasonMissingOpponent)
		return nil, &r, nil
	}
	return &seat{inviteID: inviteID, invite: inv, playerID: player, opponentID: inv.OpponentOf(player)}, nil, nil
}

func (s *Service) profiles(ctx context.Context, ids ...string) ([]*matchdto.Profile, bool, error) {
	out := make([]*matchdto.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.dir.ForCaller(ctx, id, "")
		if errors.Is(err, profiles.ErrProfileNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		out = append(out, p)
	}
	return out, true, nil
}

// Propose freezes up to count of material for the caller and records the offer.
// The reserved count is clamped to what the caller has unfrozen.
func (s *Service) Propose(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	material, ok := model.ParseMaterial(req.Material)
	if !ok || req.Count <= 0 || req.MatchID == "" {
		return reject(matchdto.ReasonInvalidArgument), nil
	}
	st, rej, err := s.seat(ctx, caller, req.InviteID, "send this wager proposal")
	if err != nil || rej != nil {
		return deref(rej), err
	}
	profs, found, err := s.profiles(ctx, st.playerID, st.opponentID)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !found {
		return reject(matchdto.ReasonProfileNotFound), nil
	}
	totals := totalsOf(profs[0])
	reserved, err := s.reserve(ctx, st.playerID, material, req.Count, totals)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if reserved <= 0 {
		return reject(matchdto.ReasonInsufficient), nil
	}

	now := s.clock.Now().UnixMilli()
	tx, err := s.store.Transaction(ctx, model.WagerPath(st.inviteID, req.MatchID), func(cur syncstore.Snapshot) (any, bool, error) {
		var w model.WagerState
		if err := cur.Decode(&w); err != nil {
			return nil, false, err
		}
		if w.Agreed != nil || w.Resolved != nil {
			return nil, false, nil
		}
		if _, dup := w.Proposals[st.playerID]; dup || w.ProposedBy[st.playerID] {
			return nil, false, nil
		}
		if w.Proposals == nil {
			w.Proposals = map[string]model.Proposal{}
		}
		if w.ProposedBy == nil {
			w.ProposedBy = map[string]bool{}
		}
		w.Proposals[st.playerID] = model.Proposal{Material: material, Count: reserved, CreatedAt: now}
		w.ProposedBy[st.playerID] = true
		return w, true, nil
	})
	if err != nil || !tx.Committed {
		if ferr := s.adjustFrozen(ctx, st.playerID, model.Materials{material: -reserved}, nil); ferr != nil {
			obslog.L().Error("wager_unfreeze_failed", zap.String("player_id", st.playerID), zap.Error(ferr))
		}
		if err != nil {
			return matchdto.WagerResponse{}, err
		}
		return reject(matchdto.ReasonProposalUnavailable), nil
	}
	obslog.L().Info("wager_propose",
		zap.String("invite_id", st.inviteID),
		zap.String("match_id", req.MatchID),
		zap.String("player_id", st.playerID),
		zap.String("material", string(material)),
		zap.Int("count", reserved),
	)
	return matchdto.WagerResponse{OK: true, Material: string(material), Count: reserved}, nil
}

// Cancel withdraws the caller's own open proposal and unfreezes its stake.
func (s *Service) Cancel(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	return s.withdraw(ctx, caller, req, "cancel this wager proposal", false)
}

// Decline removes the opponent's open proposal and unfreezes the opponent's stake.
func (s *Service) Decline(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	return s.withdraw(ctx, caller, req, "decline this wager proposal", true)
}

func (s *Service) withdraw(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest, action string, opponents bool) (matchdto.WagerResponse, error) {
	if req.MatchID == "" {
		return reject(matchdto.ReasonInvalidArgument), nil
	}
	st, rej, err := s.seat(ctx, caller, req.InviteID, action)
	if err != nil || rej != nil {
		return deref(rej), err
	}
	owner := st.playerID
	if opponents {
		owner = st.opponentID
	}
	var removed *model.Proposal
	tx, err := s.store.Transaction(ctx, model.WagerPath(st.inviteID, req.MatchID), func(cur syncstore.Snapshot) (any, bool, error) {
		removed = nil
		var w model.WagerState
		if err := cur.Decode(&w); err != nil {
			return nil, false, err
		}
		if w.Agreed != nil || w.Resolved != nil {
			return nil, false, nil
		}
		p, ok := w.Proposals[owner]
		if !ok {
			return nil, false, nil
		}
		removed = &p
		delete(w.Proposals, owner)
		return w, true, nil
	})
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !tx.Committed || removed == nil {
		return reject(matchdto.ReasonProposalMissing), nil
	}
	if err := s.adjustFrozen(ctx, owner, model.Materials{removed.Material: -removed.Count}, nil); err != nil {
		return matchdto.WagerResponse{}, err
	}
	obslog.L().Info("wager_withdraw",
		zap.String("invite_id", st.inviteID),
		zap.String("match_id", req.MatchID),
		zap.String("owner_id", owner),
		zap.Bool("declined", opponents),
	)
	return matchdto.WagerResponse{OK: true, Material: string(removed.Material), Count: removed.Count}, nil
}

// Accept agrees to the opponent's proposal. The caller's own open proposal is
// released and the accepted count is clamped to the caller's unfrozen total; the
// proposer's frozen stake is adjusted to the accepted count.
func (s *Service) Accept(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	if req.MatchID == "" {
		return reject(matchdto.ReasonInvalidArgument), nil
	}
	st, rej, err := s.seat(ctx, caller, req.InviteID, "accept this wager proposal")
	if err != nil || rej != nil {
		return deref(rej), err
	}
	profs, found, err := s.profiles(ctx, st.playerID, st.opponentID)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !found {
		return reject(matchdto.ReasonProfileNotFound), nil
	}
	wagerPath := model.WagerPath(st.inviteID, req.MatchID)
	snap, err := s.store.Get(ctx, wagerPath)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	var w model.WagerState
	if err := snap.Decode(&w); err != nil {
		return matchdto.WagerResponse{}, err
	}
	offer, ok := w.Proposals[st.opponentID]
	if !snap.Exists() || w.Agreed != nil || w.Resolved != nil || !ok {
		return reject(matchdto.ReasonProposalMissing), nil
	}
	var own *model.Proposal
	if p, ok := w.Proposals[st.playerID]; ok {
		own = &p
	}

	totals := totalsOf(profs[0])
	accepted, applied, err := s.reserveAccepted(ctx, st.playerID, offer.Material, offer.Count, own, totals)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if accepted <= 0 {
		return reject(matchdto.ReasonInsufficient), nil
	}

	now := s.clock.Now().UnixMilli()
	tx, err := s.store.Transaction(ctx, wagerPath, func(cur syncstore.Snapshot) (any, bool, error) {
		var cw model.WagerState
		if err := cur.Decode(&cw); err != nil {
			return nil, false, err
		}
		if cw.Agreed != nil || cw.Resolved != nil {
			return nil, false, nil
		}
		p, ok := cw.Proposals[st.opponentID]
		if !ok || p.Material != offer.Material || p.Count != offer.Count {
			return nil, false, nil
		}
		cw.Agreed = &model.Agreement{
			Material:   offer.Material,
			Count:      accepted,
			Total:      accepted * 2,
			ProposerID: st.opponentID,
			AccepterID: st.playerID,
			AcceptedAt: now,
		}
		cw.Proposals = nil
		return cw, true, nil
	})
	if err != nil || !tx.Committed {
		rollback := model.Materials{}
		for k, v := range applied {
			rollback[k] = -v
		}
		if ferr := s.adjustFrozen(ctx, st.playerID, rollback, totals); ferr != nil {
			obslog.L().Error("wager_accept_rollback_failed", zap.String("player_id", st.playerID), zap.Error(ferr))
		}
		if err != nil {
			return matchdto.WagerResponse{}, err
		}
		return reject(matchdto.ReasonProposalUnavailable), nil
	}
	if delta := accepted - offer.Count; delta != 0 {
		if err := s.adjustFrozen(ctx, st.opponentID, model.Materials{offer.Material: delta}, nil); err != nil {
			return matchdto.WagerResponse{}, err
		}
	}
	obslog.L().Info("wager_accept",
		zap.String("invite_id", st.inviteID),
		zap.String("match_id", req.MatchID),
		zap.String("accepter_id", st.playerID),
		zap.String("material", string(offer.Material)),
		zap.Int("count", accepted),
	)
	return matchdto.WagerResponse{OK: true, Material: string(offer.Material), Count: accepted, Total: accepted * 2}, nil
}

// Resolve settles the wager of a finished match once. An agreement moves count
// from loser to winner in the profile ledger and releases both frozen stakes; open
// proposals are simply unfrozen.
func (s *Service) Resolve(ctx context.Context, caller matchdto.Caller, req matchdto.WagerRequest) (matchdto.WagerResponse, error) {
	if !caller.Authenticated() {
		return matchdto.WagerResponse{}, matchdto.Unauthenticated()
	}
	if req.PlayerID == "" || req.OpponentID == "" || req.InviteID == "" || req.MatchID == "" {
		return reject(matchdto.ReasonInvalidArgument), nil
	}
	snaps, err := s.store.BatchGet(ctx,
		model.MatchPath(req.PlayerID, req.MatchID),
		model.InvitePath(req.InviteID),
		model.MatchPath(req.OpponentID, req.MatchID),
	)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !snaps[0].Exists() || !snaps[1].Exists() || !snaps[2].Exists() {
		return reject(matchdto.ReasonMatchNotFound), nil
	}
	var own, opp model.Match
	var inv model.Invite
	if err := errors.Join(snaps[0].Decode(&own), snaps[1].Decode(&inv), snaps[2].Decode(&opp)); err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !((inv.HostID == req.PlayerID && inv.GuestID == req.OpponentID) || (inv.HostID == req.OpponentID && inv.GuestID == req.PlayerID)) {
		return matchdto.WagerResponse{}, matchdto.PermissionDenied("Players don't match invite data")
	}
	profs, found, err := s.profiles(ctx, req.PlayerID, req.OpponentID)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if err := s.dir.AuthorizeSeat(ctx, caller, req.PlayerID); err != nil {
		return matchdto.WagerResponse{}, err
	}

	result, err := rules.Outcome(s.engine, own, opp)
	if err != nil {
		obslog.L().Warn("wager_corrupted_history", zap.String("match_id", req.MatchID), zap.Error(err))
	}
	if result != rules.ResultWin && result != rules.ResultLoss {
		return matchdto.WagerResponse{}, matchdto.Internal("Could not confirm victory.")
	}

	wagerPath := model.WagerPath(req.InviteID, req.MatchID)
	wsnap, err := s.store.Get(ctx, wagerPath)
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !wsnap.Exists() {
		return s.settled(ctx, profs, found, matchdto.ReasonNoWager), nil
	}
	var w model.WagerState
	if err := wsnap.Decode(&w); err != nil {
		return matchdto.WagerResponse{}, err
	}

	flag, err := s.store.Transaction(ctx, model.WagerResolutionFlagPath(req.InviteID, req.MatchID), func(cur syncstore.Snapshot) (any, bool, error) {
		if cur.Exists() {
			return nil, false, nil
		}
		return true, true, nil
	})
	if err != nil {
		return matchdto.WagerResponse{}, err
	}
	if !flag.Committed {
		return s.settled(ctx, profs, found, matchdto.ReasonAlreadyResolved), nil
	}

	resp := matchdto.WagerResponse{OK: true}
	switch {
	case w.Resolved != nil:
	case w.Agreed != nil && w.Agreed.Count > 0 && found:
		a := w.Agreed
		winnerID, loserID := req.PlayerID, req.OpponentID
		winnerProf, loserProf := profs[0], profs[1]
		if result == rules.ResultLoss {
			winnerID, loserID = loserID, winnerID
			winnerProf, loserProf = loserProf, winnerProf
		}
		if _, _, err := s.dir.Repo().TransferMaterials(ctx, string(a.Material), a.Count, winnerProf.ID, loserProf.ID); err != nil {
			// release the flag so the resolution can be retried
			if rerr := s.store.Remove(ctx, model.WagerResolutionFlagPath(req.InviteID, req.MatchID)); rerr != nil {
				obslog.L().Error("wager_flag_release_failed", zap.String("match_id", req.MatchID), zap.Error(rerr))
			}
			return matchdto.WagerResponse{}, err
		}
		for _, id := range []string{winnerID, loserID} {
			if err := s.adjustFrozen(ctx, id, model.Materials{a.Material: -a.Count}, nil); err != nil {
				obslog.L().Error("wager_unfreeze_failed", zap.String("player_id", id), zap.Error(err))
			}
		}
		res := model.Resolution{
			Material:   a.Material,
			Count:      a.Count,
			Total:      a.Count * 2,
			WinnerID:   winnerID,
			LoserID:    loserID,
			ResolvedAt: s.clock.Now().UnixMilli(),
		}
		if _, err := s.store.Transaction(ctx, wagerPath, func(cur syncstore.Snapshot) (any, bool, error) {
			var cw model.WagerState
			if err := cur.Decode(&cw); err != nil {
				return nil, false, err
			}
			cw.Resolved = &res
			cw.Proposals = nil
			return cw, true, nil
		}); err != nil {
			return matchdto.WagerResponse{}, err
		}
		resp.Material, resp.Count, resp.Total = string(a.Material), a.Count, a.Count*2
		resp.WinnerID, resp.LoserID = winnerID, loserID
		obslog.L().Info("wager_resolved",
			zap.String("invite_id", req.InviteID),
			zap.String("match_id", req.MatchID),
			zap.String("winner_id", winnerID),
			zap.String("loser_id", loserID),
			zap.String("material", string(a.Material)),
			zap.Int("count", a.Count),
		)
		notify.Async(s.notifier, notify.KeyWagerResolved, map[string]any{
			"Winner": nameOf(winnerProf), "Loser": nameOf(loserProf), "Count": a.Count, "Material": string(a.Material),
		})
	case len(w.Proposals) > 0:
		for owner, p := range w.Proposals {
			if p.Count <= 0 {
				continue
			}
			if err := s.adjustFrozen(ctx, owner, model.Materials{p.Material: -p.Count}, nil); err != nil {
				obslog.L().Error("wager_unfreeze_failed", zap.String("player_id", owner), zap.Error(err))
			}
		}
		if _, err := s.store.Transaction(ctx, wagerPath, func(cur syncstore.Snapshot) (any, bool, error) {
			var cw model.WagerState
			if err := cur.Decode(&cw); err != nil {
				return nil, false, err
			}
			cw.Proposals = nil
			return cw, true, nil
		}); err != nil {
			return matchdto.WagerResponse{}, err
		}
	}
	resp.Mining = s.mining(ctx, profs, found)
	return resp, nil
}

func (s *Service) settled(ctx context.Context, profs []*matchdto.Profile, found bool, reason string) matchdto.WagerResponse {
	return matchdto.WagerResponse{OK: true, Reason: reason, Mining: s.mining(ctx, profs, found)}
}

// mining re-reads the player's ledger so the client sees post-transfer totals.
func (s *Service) mining(ctx context.Context, profs []*matchdto.Profile, found bool) *matchdto.Mining {
	if !found || len(profs) == 0 {
		return nil
	}
	p, err := s.dir.Repo().Get(ctx, profs[0].ID)
	if err != nil {
		return nil
	}
	return &matchdto.Mining{Materials: totalsOf(p).Wire()}
}

func deref(r *matchdto.WagerResponse) matchdto.WagerResponse {
	if r == nil {
		return matchdto.WagerResponse{}
	}
	return *r
}

func nameOf(p *matchdto.Profile) string {
	if p != nil && p.Username != "" {
		return p.Username
	}
	return "anon"
}

func totalsOf(p *matchdto.Profile) model.Materials {
	out := model.Materials{}
	if p == nil {
		return out.Normalized()
	}
	for k, v := range p.Materials {
		if m, ok := model.ParseMaterial(k); ok {
			out[m] = v
		}
	}
	return out.Normalized()
}
