// Package matchclient is the client-side coordinator of one running player: it
// resolves which match the player is in and with what authority, keeps that
// match's subscriptions alive, and routes every write through the session guard.
package matchclient

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/movesync"
	"github.com/park285/cheese-matchsync/internal/observer"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/rematch"
	"github.com/park285/cheese-matchsync/internal/rules"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/syncstore"
	"github.com/park285/cheese-matchsync/internal/wager"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

var (
	ErrInviteNotFound = errors.New("matchclient: invite not found")
	ErrNotConnected   = errors.New("matchclient: no active match")
	ErrReadOnly       = errors.New("matchclient: spectators cannot write")
	ErrSuperseded     = errors.New("matchclient: connect superseded")
	ErrWrongMatch     = errors.New("matchclient: move targets another match")
	ErrNoWager        = errors.New("matchclient: wagers unavailable for this match")
	ErrBadToken       = errors.New("matchclient: malformed move token")
)

type Store interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	Set(ctx context.Context, path string, v any) error
	Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error)
	UpdateIf(ctx context.Context, guardPath string, guard func(syncstore.Snapshot) bool, updates map[string]any) (bool, error)
	Subscribe(ctx context.Context, path string) (*syncstore.Subscription, error)
}

// Callables is the server surface the client needs.
type Callables interface {
	wager.Remote
	StartMatchTimer(ctx context.Context, ref matchdto.MatchRef) (matchdto.StartTimerResponse, error)
	ClaimVictoryByTimer(ctx context.Context, ref matchdto.MatchRef) (matchdto.OKResponse, error)
	UpdateRatings(ctx context.Context, ref matchdto.MatchRef) (matchdto.UpdateRatingsResponse, error)
}

type Client struct {
	store    Store
	calls    Callables
	engine   rules.Engine
	clock    clockwork.Clock
	identity session.Identity
	guard    *session.Guard
	registry *observer.Registry
	pipeline *movesync.Pipeline
	seq      *rematch.Sequencer
	events   chan Event
	reload   func()
	moveOpts []movesync.Option

	mu           sync.Mutex
	own          *model.Match
	opponent     *model.Match
	series       rematch.Series
	negotiator   *wager.Negotiator
	totals       model.Materials
	lastInviteID string
	// subscriptions run under this context and end with the client
	subCtx    context.Context
	subCancel context.CancelFunc
}

type Option func(*Client)

func WithClock(clk clockwork.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithRegistry(r *observer.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithMoveConfig tunes the move pipeline.
func WithMoveConfig(cfg movesync.Config) Option {
	return func(c *Client) { c.moveOpts = append(c.moveOpts, movesync.WithConfig(cfg)) }
}

func WithMoveMetrics(m *movesync.Metrics) Option {
	return func(c *Client) { c.moveOpts = append(c.moveOpts, movesync.WithMetrics(m)) }
}

// WithReload sets the full state reload run when a move can be neither written nor
// confirmed.
func WithReload(fn func()) Option { return func(c *Client) { c.reload = fn } }

func WithMaterials(totals model.Materials) Option {
	return func(c *Client) { c.totals = totals.Normalized() }
}

func New(store Store, calls Callables, engine rules.Engine, id session.Identity, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:     store,
		calls:     calls,
		engine:    engine,
		clock:     clockwork.NewRealClock(),
		identity:  id,
		guard:     session.NewGuard(),
		registry:  observer.NewRegistry(nil),
		seq:       rematch.NewSequencer(store, engine.InitialFEN()),
		events:    make(chan Event, 64),
		totals:    model.Materials{}.Normalized(),
		subCtx:    ctx,
		subCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pipeline = c.newPipeline(c.moveOpts...)
	return c
}

func (c *Client) newPipeline(opts ...movesync.Option) *movesync.Pipeline {
	base := []movesync.Option{
		movesync.WithClock(c.clock),
		movesync.WithReconnector(movesync.ReconnectFunc(func(ctx context.Context, reason string) error {
			switch reason {
			case movesync.ReasonConflict, movesync.ReasonUnconfirmed:
				return c.Reconnect(ctx)
			}
			return c.resubscribe(ctx)
		})),
		movesync.WithReload(func() {
			if c.reload != nil {
				c.reload()
			}
		}),
	}
	return movesync.New(c.store, append(base, opts...)...)
}

// Events delivers state changes of the active context. Slow readers lose events
// rather than stall subscriptions.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Registry() *observer.Registry { return c.registry }

// Active returns the current match context.
func (c *Client) Active() (session.Context, bool) { return c.guard.Active() }

// Close tears down the active context and stops every subscription.
func (c *Client) Close() {
	c.Teardown()
	c.subCancel()
}

// Connect resolves the caller's authority in inviteID, tears down whatever context
// was active and opens the new context's subscriptions. A concurrent Connect that
// started later wins; the earlier one returns ErrSuperseded without side effects.
func (c *Client) Connect(ctx context.Context, inviteID string) (session.Context, error) {
	c.Teardown()
	token := c.guard.BeginAttempt()

	snap, err := c.store.Get(ctx, model.InvitePath(inviteID))
	if err != nil {
		return session.Context{}, err
	}
	if !snap.Exists() {
		return session.Context{}, ErrInviteNotFound
	}
	var inv model.Invite
	if err := snap.Decode(&inv); err != nil {
		return session.Context{}, err
	}
	seats, err := c.seatProfiles(ctx, inv)
	if err != nil {
		return session.Context{}, err
	}
	series := rematch.SeriesOf(inv)
	matchID := model.MatchID(inviteID, series.Approved)

	sc := session.Resolve(inviteID, inv, c.identity, seats, matchID, token.Epoch, c.clock.Now())
	if !c.guard.Activate(token, sc) {
		obslog.L().Info("matchclient_connect_superseded", zap.String("invite_id", inviteID))
		return session.Context{}, ErrSuperseded
	}

	c.mu.Lock()
	c.series = series
	c.own, c.opponent = nil, nil
	c.negotiator = nil
	c.lastInviteID = inviteID
	if sc.CanWrite && !model.IsAutomatchInvite(inviteID) {
		c.negotiator = wager.NewNegotiator(c.calls, wager.Seat{
			PlayerID:   sc.PlayerID,
			OpponentID: sc.OpponentID,
			InviteID:   inviteID,
			MatchID:    matchID,
		}, c.totals, wager.WithNegotiatorClock(c.clock))
	}
	c.mu.Unlock()

	if err := c.openSubscriptions(ctx, *sc); err != nil {
		c.abandon(*sc)
		if errors.Is(err, ErrSuperseded) {
			obslog.L().Info("matchclient_connect_superseded", zap.String("invite_id", inviteID), zap.String("context_id", sc.ID))
			return session.Context{}, ErrSuperseded
		}
		return session.Context{}, err
	}
	obslog.L().Info("matchclient_connected",
		zap.String("context_id", sc.ID),
		zap.Uint64("epoch", sc.Epoch),
		zap.String("invite_id", inviteID),
		zap.String("match_id", matchID),
		zap.String("role", string(sc.Role)),
		zap.Bool("can_write", sc.CanWrite),
	)
	c.emitFor(*sc, Event{Kind: EventConnected})
	return *sc, nil
}

func (c *Client) seatProfiles(ctx context.Context, inv model.Invite) (session.SeatProfiles, error) {
	var seats session.SeatProfiles
	if c.identity.ProfileID == "" {
		return seats, nil
	}
	for _, s := range []struct {
		id  string
		dst *string
	}{{inv.HostID, &seats.Host}, {inv.GuestID, &seats.Guest}} {
		if s.id == "" {
			continue
		}
		snap, err := c.store.Get(ctx, model.ProfilePointerPath(s.id))
		if err != nil {
			return seats, err
		}
		*s.dst = snap.String()
	}
	return seats, nil
}

// Teardown invalidates the active context and releases its subscriptions. Results
// of work it started are discarded when they arrive.
func (c *Client) Teardown() {
	prev, epoch := c.guard.Teardown()
	if prev == nil {
		return
	}
	n := c.registry.Dispose(prev.ID)
	c.mu.Lock()
	c.own, c.opponent, c.negotiator = nil, nil, nil
	c.series = rematch.Series{}
	c.mu.Unlock()
	obslog.L().Info("matchclient_teardown", zap.String("context_id", prev.ID), zap.Uint64("epoch", epoch), zap.Int("released", n))
	c.emit(Event{Kind: EventTornDown, ContextID: prev.ID, MatchID: prev.MatchID})
}

// Reconnect re-resolves the last invite from scratch under a new epoch, e.g. to
// follow an approved rematch. Work of the old context is discarded.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	inviteID := c.lastInviteID
	c.mu.Unlock()
	if inviteID == "" {
		return ErrNotConnected
	}
	_, err := c.Connect(ctx, inviteID)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}
