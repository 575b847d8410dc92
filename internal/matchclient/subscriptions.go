package matchclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/observer"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/rematch"
	"github.com/park285/cheese-matchsync/internal/session"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

func (c *Client) emitFor(sc session.Context, ev Event) {
	ev.ContextID = sc.ID
	if ev.MatchID == "" {
		ev.MatchID = sc.MatchID
	}
	c.emit(ev)
}

type watchSpec struct {
	path  string
	kind  observer.Kind
	apply func(syncstore.Snapshot)
}

// openSubscriptions attaches every listener the context needs. Each is registered
// under the context so Teardown releases exactly these.
func (c *Client) openSubscriptions(ctx context.Context, sc session.Context) error {
	watches := []watchSpec{
		{model.MatchPath(sc.PlayerID, sc.MatchID), observer.KindMatch, func(s syncstore.Snapshot) { c.applyMatch(sc, s, false) }},
		{model.HostRematchesPath(sc.InviteID), observer.KindRematches, func(s syncstore.Snapshot) { c.applyRematches(sc, s, session.RoleHost) }},
		{model.GuestRematchesPath(sc.InviteID), observer.KindRematches, func(s syncstore.Snapshot) { c.applyRematches(sc, s, session.RoleGuest) }},
		{model.ReactionsPath(sc.InviteID), observer.KindReactions, func(s syncstore.Snapshot) { c.applyReactions(sc, s) }},
	}
	if sc.OpponentID != "" {
		watches = append(watches, watchSpec{model.MatchPath(sc.OpponentID, sc.MatchID), observer.KindOpponentMatch, func(s syncstore.Snapshot) { c.applyMatch(sc, s, true) }})
	}
	c.mu.Lock()
	wagering := c.negotiator != nil
	c.mu.Unlock()
	if wagering {
		watches = append(watches,
			watchSpec{model.WagerPath(sc.InviteID, sc.MatchID), observer.KindWagers, func(s syncstore.Snapshot) { c.applyWager(sc, s) }},
			watchSpec{model.FrozenPath(sc.PlayerID), observer.KindFrozen, func(s syncstore.Snapshot) { c.applyFrozen(sc, s) }},
		)
	}
	for _, w := range watches {
		if err := c.watch(ctx, sc, w.path, w.kind, w.apply); err != nil {
			return fmt.Errorf("watch %s: %w", w.path, err)
		}
	}
	if !c.guard.ContextActive(sc.ID, sc.Epoch) {
		c.registry.Dispose(sc.ID)
		return ErrSuperseded
	}
	return nil
}

// abandon releases sc after a failed open. The guard is torn down only while sc is
// still the active context, so a newer one is left alone.
func (c *Client) abandon(sc session.Context) {
	if c.guard.ContextActive(sc.ID, sc.Epoch) {
		c.Teardown()
	}
	c.registry.Dispose(sc.ID)
}

// watch subscribes under the client's lifetime, not the caller's ctx, and pumps
// updates only while sc is the active context.
func (c *Client) watch(ctx context.Context, sc session.Context, path string, kind observer.Kind, apply func(syncstore.Snapshot)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.registry.Has(sc.ID, path) {
		return nil
	}
	sub, err := c.store.Subscribe(c.subCtx, path)
	if err != nil {
		return err
	}
	if !c.registry.Register(sc.ID, path, kind, sub) {
		_ = sub.Close()
		return nil
	}
	// a teardown that ran while Subscribe was in flight has already disposed sc
	if !c.guard.ContextActive(sc.ID, sc.Epoch) {
		c.registry.Unregister(sc.ID, path)
		return ErrSuperseded
	}
	go func() {
		for snap := range sub.Updates() {
			if !c.guard.WithContext(sc.ID, sc.Epoch, func() { apply(snap) }) {
				obslog.L().Debug("matchclient_update_discarded", zap.String("path", path), zap.String("context_id", sc.ID))
				return
			}
		}
	}()
	return nil
}

func (c *Client) applyMatch(sc session.Context, snap syncstore.Snapshot, opponent bool) {
	var m model.Match
	if err := snap.Decode(&m); err != nil {
		obslog.L().Warn("matchclient_match_decode", zap.String("path", snap.Path), zap.Error(err))
		return
	}
	kind := EventOwnMatch
	c.mu.Lock()
	if opponent {
		kind = EventOpponent
		c.opponent = &m
	} else {
		c.own = &m
	}
	c.mu.Unlock()
	if !snap.Exists() {
		c.emitFor(sc, Event{Kind: kind})
		return
	}
	cp := m
	c.emitFor(sc, Event{Kind: kind, Match: &cp})
}

func (c *Client) applyRematches(sc session.Context, snap syncstore.Snapshot, role session.Role) {
	list, err := model.ParseRematchList(snap.String())
	if err != nil {
		obslog.L().Warn("matchclient_rematch_decode", zap.String("path", snap.Path), zap.Error(err))
		return
	}
	c.mu.Lock()
	if role == session.RoleHost {
		c.series.Host = list
	} else {
		c.series.Guest = list
	}
	c.series.Approved = rematch.LatestApproved(c.series.Host, c.series.Guest)
	c.series.Closed = c.series.Host.Closed || c.series.Guest.Closed
	series := c.series
	c.mu.Unlock()

	c.emitFor(sc, Event{Kind: EventSeries, Series: &series})
	if next := model.MatchID(sc.InviteID, series.Approved); next != sc.MatchID {
		// both sides agreed on a newer match; the owner reconnects to follow it
		c.emitFor(sc, Event{Kind: EventRematchReady, MatchID: next, Series: &series})
	}
}

func (c *Client) applyReactions(sc session.Context, snap syncstore.Snapshot) {
	var reactions map[string]model.Reaction
	if err := snap.Decode(&reactions); err != nil {
		obslog.L().Warn("matchclient_reactions_decode", zap.String("path", snap.Path), zap.Error(err))
		return
	}
	c.emitFor(sc, Event{Kind: EventReactions, Reactions: reactions})
}

func (c *Client) applyWager(sc session.Context, snap syncstore.Snapshot) {
	var w model.WagerState
	if err := snap.Decode(&w); err != nil {
		obslog.L().Warn("matchclient_wager_decode", zap.String("path", snap.Path), zap.Error(err))
		return
	}
	c.mu.Lock()
	n := c.negotiator
	c.mu.Unlock()
	if n == nil {
		return
	}
	n.ApplyRemote(w, nil, nil)
	state, frozen, _ := n.View()
	c.emitFor(sc, Event{Kind: EventWager, Wager: &state, Frozen: frozen})
}

func (c *Client) applyFrozen(sc session.Context, snap syncstore.Snapshot) {
	var frozen model.Materials
	if err := snap.Decode(&frozen); err != nil {
		obslog.L().Warn("matchclient_frozen_decode", zap.String("path", snap.Path), zap.Error(err))
		return
	}
	c.mu.Lock()
	n := c.negotiator
	c.mu.Unlock()
	if n == nil {
		return
	}
	n.ApplyFrozen(frozen)
	state, frozen, _ := n.View()
	c.emitFor(sc, Event{Kind: EventWager, Wager: &state, Frozen: frozen})
}

// resubscribe reopens the active context's listeners without changing its epoch,
// so a move in flight survives it.
func (c *Client) resubscribe(ctx context.Context) error {
	sc, ok := c.guard.Active()
	if !ok {
		return ErrNotConnected
	}
	n := c.registry.Dispose(sc.ID)
	if !c.guard.ContextActive(sc.ID, sc.Epoch) {
		return ErrSuperseded
	}
	obslog.L().Info("matchclient_resubscribe", zap.String("context_id", sc.ID), zap.Int("released", n))
	if err := c.openSubscriptions(ctx, sc); err != nil {
		if errors.Is(err, ErrSuperseded) {
			c.registry.Dispose(sc.ID)
			return ErrSuperseded
		}
		return err
	}
	return nil
}
