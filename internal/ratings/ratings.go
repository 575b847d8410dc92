// Package ratings applies the result of a finished automatch game to both players'
// durable profiles, once per match.
package ratings

import (
	"context"
	"errors"

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
	BatchGet(ctx context.Context, paths ...string) ([]syncstore.Snapshot, error)
	Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error)
	Remove(ctx context.Context, path string) error
}

type Service struct {
	store    Store
	dir      *profiles.Directory
	engine   rules.Engine
	formula  Formula
	notifier notify.Notifier
}

type Option func(*Service)

func WithFormula(f Formula) Option {
	return func(s *Service) {
		if f != nil {
			s.formula = f
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

func New(store Store, dir *profiles.Directory, engine rules.Engine, opts ...Option) *Service {
	s := &Service{store: store, dir: dir, engine: engine, formula: DefaultFormula, notifier: notify.Nop{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateRatings settles a decided game for either seat. Only queue-made invites are
// rated; other invites answer {ok:false} without touching anything.
func (s *Service) UpdateRatings(ctx context.Context, caller matchdto.Caller, ref matchdto.MatchRef) (matchdto.UpdateRatingsResponse, error) {
	if !caller.Authenticated() {
		return matchdto.UpdateRatingsResponse{}, matchdto.Unauthenticated()
	}
	if !model.IsAutomatchInvite(ref.InviteID) {
		return matchdto.UpdateRatingsResponse{OK: false}, nil
	}
	if ref.PlayerID == "" || ref.OpponentID == "" || ref.MatchID == "" {
		return matchdto.UpdateRatingsResponse{}, matchdto.InvalidArgument("playerId, opponentId and matchId are required")
	}

	snaps, err := s.store.BatchGet(ctx,
		model.MatchPath(ref.PlayerID, ref.MatchID),
		model.InvitePath(ref.InviteID),
		model.MatchPath(ref.OpponentID, ref.MatchID),
	)
	if err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}
	var own, opp model.Match
	var inv model.Invite
	if err := errors.Join(snaps[0].Decode(&own), snaps[1].Decode(&inv), snaps[2].Decode(&opp)); err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}
	if !((inv.HostID == ref.PlayerID && inv.GuestID == ref.OpponentID) || (inv.HostID == ref.OpponentID && inv.GuestID == ref.PlayerID)) {
		return matchdto.UpdateRatingsResponse{}, matchdto.PermissionDenied("Players don't match invite data")
	}

	player, err := s.profileOf(ctx, ref.PlayerID, "Player's profile id not found.")
	if err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}
	if caller.LoginID != ref.PlayerID && (caller.ProfileID == "" || caller.ProfileID != player.ID) {
		return matchdto.UpdateRatingsResponse{}, matchdto.PermissionDenied("You don't have permission to perform this action for this player.")
	}
	opponent, err := s.profileOf(ctx, ref.OpponentID, "Opponent's profile id not found.")
	if err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}

	if !snaps[0].Exists() || !snaps[2].Exists() {
		return matchdto.UpdateRatingsResponse{}, matchdto.Internal("Could not confirm victory.")
	}
	result, err := rules.Outcome(s.engine, own, opp)
	if err != nil {
		obslog.L().Warn("ratings_corrupted_history", zap.String("match_id", ref.MatchID), zap.Error(err))
	}
	if result != rules.ResultWin && result != rules.ResultLoss {
		return matchdto.UpdateRatingsResponse{}, matchdto.Internal("Could not confirm victory.")
	}

	flag := model.RatingUpdateFlagPath(ref.InviteID, ref.MatchID)
	tx, err := s.store.Transaction(ctx, flag, func(cur syncstore.Snapshot) (any, bool, error) {
		if cur.Exists() {
			return nil, false, nil
		}
		return true, true, nil
	})
	if err != nil {
		return matchdto.UpdateRatingsResponse{}, err
	}
	if !tx.Committed {
		return matchdto.UpdateRatingsResponse{}, matchdto.FailedPrecondition("Can not update rating with this game anymore")
	}

	winner, loser := player, opponent
	if result == rules.ResultLoss {
		winner, loser = opponent, player
	}
	winNonce, lossNonce := winner.Nonce+1, loser.Nonce+1
	newWin, newLoss := s.formula.Rate(
		Standing{Rating: winner.Rating, Games: winNonce},
		Standing{Rating: loser.Rating, Games: lossNonce},
	)
	err = s.dir.Repo().ApplyRatings(ctx,
		profiles.RatingChange{ProfileID: winner.ID, Rating: newWin, Nonce: winNonce, Win: true},
		profiles.RatingChange{ProfileID: loser.ID, Rating: newLoss, Nonce: lossNonce, Win: false},
	)
	if err != nil {
		// release the guard so the call can be retried
		if rerr := s.store.Remove(ctx, flag); rerr != nil {
			obslog.L().Error("ratings_flag_release_failed", zap.String("match_id", ref.MatchID), zap.Error(rerr))
		}
		return matchdto.UpdateRatingsResponse{}, err
	}
	obslog.L().Info("ratings_updated",
		zap.String("match_id", ref.MatchID),
		zap.String("winner", winner.ID),
		zap.Int("winner_rating", newWin),
		zap.String("loser", loser.ID),
		zap.Int("loser_rating", newLoss),
	)
	notify.Async(s.notifier, notify.KeyRatingsUpdated, map[string]any{
		"Winner": displayName(winner), "WinnerRating": newWin,
		"Loser": displayName(loser), "LoserRating": newLoss,
	})
	return matchdto.UpdateRatingsResponse{OK: true, Mining: &matchdto.Mining{Materials: player.Materials}}, nil
}

func (s *Service) profileOf(ctx context.Context, loginID, missing string) (*matchdto.Profile, error) {
	p, err := s.dir.ForCaller(ctx, loginID, "")
	if errors.Is(err, profiles.ErrProfileNotFound) {
		return nil, matchdto.FailedPrecondition(missing)
	}
	return p, err
}

func displayName(p *matchdto.Profile) string {
	if p.Username != "" {
		return p.Username
	}
	return "anon"
}
