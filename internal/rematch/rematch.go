// Package rematch sequences a best-of-many series. Each side appends the index it
// proposes to its own list on the invite; an index is agreed once both lists hold
// it at the same position.
package rematch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

var (
	ErrSeriesClosed     = errors.New("rematch: series has ended")
	ErrAwaitingOpponent = errors.New("rematch: previous proposal not answered")
	ErrNotSeated        = errors.New("rematch: spectators cannot propose")
	ErrListChanged      = errors.New("rematch: own list changed underneath")
)

// LatestApproved counts the leading positions on which both lists agree.
func LatestApproved(host, guest model.RematchList) int {
	n := 0
	for n < len(host.Indices) && n < len(guest.Indices) && host.Indices[n] == guest.Indices[n] {
		n++
	}
	return n
}

// CanPropose refuses a second proposal before the other side answered the first,
// and anything once either side ended the series.
func CanPropose(own, other model.RematchList) bool {
	return !own.Closed && !other.Closed && own.Len() <= other.Len()
}

// NextIndex is the index a new proposal carries. Answering a pending proposal
// yields the same index, so the two lists line up.
func NextIndex(own, other model.RematchList) int {
	return LatestApproved(own, other) + 1
}

// ColorFor gives the color a seat plays in the index-th match. The host keeps the
// original color on even indices and swaps on odd ones.
func ColorFor(hostColor string, index int, role session.Role) string {
	c := hostColor
	if index%2 == 1 {
		c = model.OppositeColor(hostColor)
	}
	if role == session.RoleGuest {
		return model.OppositeColor(c)
	}
	return c
}

// Series is the parsed rematch state of an invite.
type Series struct {
	Host     model.RematchList
	Guest    model.RematchList
	Approved int
	Closed   bool
}

func SeriesOf(inv model.Invite) Series {
	host, guest := inv.Rematches()
	return Series{Host: host, Guest: guest, Approved: LatestApproved(host, guest), Closed: host.Closed || guest.Closed}
}

// Lists returns (own, other) for role.
func (s Series) Lists(role session.Role) (model.RematchList, model.RematchList) {
	if role == session.RoleGuest {
		return s.Guest, s.Host
	}
	return s.Host, s.Guest
}

type Store interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	UpdateIf(ctx context.Context, guardPath string, guard func(syncstore.Snapshot) bool, updates map[string]any) (bool, error)
}

type Sequencer struct {
	store      Store
	initialFEN string
}

func NewSequencer(store Store, initialFEN string) *Sequencer {
	return &Sequencer{store: store, initialFEN: initialFEN}
}

// Proposal is what Propose wrote.
type Proposal struct {
	Index   int
	MatchID string
	Color   string
}

func listPath(inviteID string, role session.Role) string {
	if role == session.RoleGuest {
		return model.GuestRematchesPath(inviteID)
	}
	return model.HostRematchesPath(inviteID)
}

func (s *Sequencer) load(ctx context.Context, sc *session.Context) (model.Invite, Series, error) {
	if sc == nil || !sc.CanWrite {
		return model.Invite{}, Series{}, ErrNotSeated
	}
	snap, err := s.store.Get(ctx, model.InvitePath(sc.InviteID))
	if err != nil {
		return model.Invite{}, Series{}, err
	}
	var inv model.Invite
	if err := snap.Decode(&inv); err != nil {
		return model.Invite{}, Series{}, err
	}
	return inv, SeriesOf(inv), nil
}

// Propose writes the next match record and appends its index to the caller's own
// list in one update, guarded on the list being what was read.
func (s *Sequencer) Propose(ctx context.Context, sc *session.Context, emojiID int, aura string) (Proposal, error) {
	inv, series, err := s.load(ctx, sc)
	if err != nil {
		return Proposal{}, err
	}
	own, other := series.Lists(sc.Role)
	if series.Closed {
		return Proposal{}, ErrSeriesClosed
	}
	if !CanPropose(own, other) {
		return Proposal{}, ErrAwaitingOpponent
	}
	index := NextIndex(own, other)
	p := Proposal{Index: index, MatchID: model.MatchID(sc.InviteID, index), Color: ColorFor(inv.HostColor, index, sc.Role)}
	path := listPath(sc.InviteID, sc.Role)
	before := own.String()
	ok, err := s.store.UpdateIf(ctx, path, func(cur syncstore.Snapshot) bool { return cur.String() == before }, map[string]any{
		model.MatchPath(sc.PlayerID, p.MatchID): model.Match{
			Version: 2,
			Color:   p.Color,
			EmojiID: emojiID,
			Aura:    aura,
			Fen:     s.initialFEN,
		},
		path: own.Append(index).String(),
	})
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, ErrListChanged
	}
	obslog.L().Info("rematch_proposed",
		zap.String("invite_id", sc.InviteID),
		zap.String("player_id", sc.PlayerID),
		zap.Int("index", index),
		zap.String("color", p.Color),
	)
	return p, nil
}

// EndSeries closes the caller's own list. Ending twice is a no-op.
func (s *Sequencer) EndSeries(ctx context.Context, sc *session.Context) error {
	_, series, err := s.load(ctx, sc)
	if err != nil {
		return err
	}
	own, _ := series.Lists(sc.Role)
	if own.Closed {
		return nil
	}
	path := listPath(sc.InviteID, sc.Role)
	before := own.String()
	own.Closed = true
	ok, err := s.store.UpdateIf(ctx, path, func(cur syncstore.Snapshot) bool { return cur.String() == before }, map[string]any{
		path: own.String(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrListChanged
	}
	obslog.L().Info("rematch_series_ended", zap.String("invite_id", sc.InviteID), zap.String("player_id", sc.PlayerID))
	return nil
}
