// Package timers runs the per-turn clock a waiting player can start against an
// idle opponent and later claim as a victory.
package timers

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

const (
	DefaultDuration = 90 * time.Second
	// grace added to the deadline to absorb client clock skew
	deadlineGrace = 500 * time.Millisecond
)

type Store interface {
	BatchGet(ctx context.Context, paths ...string) ([]syncstore.Snapshot, error)
	Set(ctx context.Context, path string, v any) error
}

// SeatAuthorizer decides whether a caller may act for a seat.
type SeatAuthorizer interface {
	AuthorizeSeat(ctx context.Context, caller matchdto.Caller, playerID string) error
}

type Service struct {
	store    Store
	auth     SeatAuthorizer
	engine   rules.Engine
	clock    clockwork.Clock
	duration time.Duration
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.duration = d
		}
	}
}

func New(store Store, auth SeatAuthorizer, engine rules.Engine, opts ...Option) *Service {
	s := &Service{store: store, auth: auth, engine: engine, clock: clockwork.NewRealClock(), duration: DefaultDuration}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartMatchTimer stores "turn;deadline" on the caller's record while the opponent
// is to move.
func (s *Service) StartMatchTimer(ctx context.Context, caller matchdto.Caller, ref matchdto.MatchRef) (matchdto.StartTimerResponse, error) {
	if err := s.authorize(ctx, caller, ref); err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	snaps, err := s.store.BatchGet(ctx, model.MatchPath(ref.PlayerID, ref.MatchID), model.MatchPath(ref.OpponentID, ref.MatchID))
	if err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	own, opp, err := decodePair(snaps[0], snaps[1])
	if err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	pos, err := s.livePosition(own, opp)
	if err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	if pos.Active != opp.Color {
		return matchdto.StartTimerResponse{}, matchdto.FailedPrecondition("can't start a timer on your own turn.")
	}

	deadline := s.clock.Now().Add(s.duration + deadlineGrace)
	timer := model.Timer{Turn: pos.Turn, DeadlineMs: deadline.UnixMilli()}.String()
	if err := s.store.Set(ctx, model.MatchTimerPath(ref.PlayerID, ref.MatchID), timer); err != nil {
		return matchdto.StartTimerResponse{}, err
	}
	obslog.L().Info("timer_start",
		zap.String("player_id", ref.PlayerID),
		zap.String("match_id", ref.MatchID),
		zap.Int("turn", pos.Turn),
	)
	return matchdto.StartTimerResponse{OK: true, Duration: s.duration.Milliseconds(), Timer: timer}, nil
}

// ClaimVictoryByTimer turns an expired timer from the same turn into "gg".
func (s *Service) ClaimVictoryByTimer(ctx context.Context, caller matchdto.Caller, ref matchdto.MatchRef) (matchdto.OKResponse, error) {
	if err := s.authorize(ctx, caller, ref); err != nil {
		return matchdto.OKResponse{}, err
	}
	snaps, err := s.store.BatchGet(ctx,
		model.MatchPath(ref.PlayerID, ref.MatchID),
		model.MatchPath(ref.OpponentID, ref.MatchID),
		model.InvitePath(ref.InviteID),
	)
	if err != nil {
		return matchdto.OKResponse{}, err
	}
	var inv model.Invite
	if err := snaps[2].Decode(&inv); err != nil {
		return matchdto.OKResponse{}, err
	}
	if !seatedTogether(inv, ref.PlayerID, ref.OpponentID) {
		return matchdto.OKResponse{}, matchdto.PermissionDenied("Players don't match invite data")
	}
	own, opp, err := decodePair(snaps[0], snaps[1])
	if err != nil {
		return matchdto.OKResponse{}, err
	}
	pos, err := s.livePosition(own, opp)
	if err != nil {
		return matchdto.OKResponse{}, err
	}
	if pos.Active != opp.Color {
		return matchdto.OKResponse{}, matchdto.FailedPrecondition("can't claim timer victory on your own turn.")
	}

	t, ok, err := own.ParsedTimer()
	switch {
	case !ok:
		return matchdto.OKResponse{}, matchdto.FailedPrecondition("could not find an existing timer.")
	case err != nil || t.GG:
		return matchdto.OKResponse{}, matchdto.FailedPrecondition("wrong timer format.")
	}
	delta := t.DeadlineMs - s.clock.Now().UnixMilli()
	switch {
	case t.Turn != pos.Turn:
		return matchdto.OKResponse{}, matchdto.FailedPrecondition("can't claim this timer anymore, it's turn is over.")
	case delta > 0:
		return matchdto.OKResponse{}, matchdto.FailedPrecondition(fmt.Sprintf("can't claim yet, %d ms remaining", delta))
	}
	if err := s.store.Set(ctx, model.MatchTimerPath(ref.PlayerID, ref.MatchID), model.TimerGGLiteral); err != nil {
		return matchdto.OKResponse{}, err
	}
	obslog.L().Info("timer_victory",
		zap.String("player_id", ref.PlayerID),
		zap.String("opponent_id", ref.OpponentID),
		zap.String("match_id", ref.MatchID),
	)
	return matchdto.OKResponse{OK: true}, nil
}

func (s *Service) authorize(ctx context.Context, caller matchdto.Caller, ref matchdto.MatchRef) error {
	if !caller.Authenticated() {
		return matchdto.Unauthenticated()
	}
	if ref.PlayerID == "" || ref.OpponentID == "" || ref.MatchID == "" {
		return matchdto.InvalidArgument("playerId, opponentId and matchId are required")
	}
	return s.auth.AuthorizeSeat(ctx, caller, ref.PlayerID)
}

// livePosition replays both histories and rejects finished games.
func (s *Service) livePosition(own, opp model.Match) (rules.Position, error) {
	over, pos, err := rules.Ended(s.engine, own, opp)
	if err != nil {
		return rules.Position{}, matchdto.FailedPrecondition("something is wrong with the moves.")
	}
	if over {
		return rules.Position{}, matchdto.FailedPrecondition("game is already over.")
	}
	return pos, nil
}

func decodePair(ownSnap, oppSnap syncstore.Snapshot) (own, opp model.Match, err error) {
	if !ownSnap.Exists() || !oppSnap.Exists() {
		return own, opp, matchdto.Errorf(matchdto.CodeNotFound, "match not found")
	}
	if err = ownSnap.Decode(&own); err != nil {
		return own, opp, err
	}
	err = oppSnap.Decode(&opp)
	return own, opp, err
}

func seatedTogether(inv model.Invite, a, b string) bool {
	return (inv.HostID == a && inv.GuestID == b) || (inv.HostID == b && inv.GuestID == a)
}
