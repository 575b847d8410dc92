// Package movesync submits a move to the player's own match record with an
// append-only conditional write, bounded retry and post-failure verification.
package movesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

var (
	// ErrStale means the session moved on; nothing was written on its behalf.
	ErrStale = errors.New("movesync: session no longer active")
	// ErrRemoteConflict means the stored history diverged from what we built on.
	ErrRemoteConflict = errors.New("movesync: stored moves diverged")
	// ErrUnconfirmed means the budget ran out and verification never saw the move.
	ErrUnconfirmed = errors.New("movesync: move could not be confirmed")
)

type Store interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error)
}

// Reconnector re-resolves the match context against the canonical remote state.
type Reconnector interface {
	Reconnect(ctx context.Context, reason string) error
}

type ReconnectFunc func(ctx context.Context, reason string) error

func (f ReconnectFunc) Reconnect(ctx context.Context, reason string) error { return f(ctx, reason) }

// Reasons passed to the Reconnector. Only ReasonRetry may be rate limited.
const (
	ReasonRetry       = "move-retry"
	ReasonConflict    = "remote-conflict"
	ReasonUnconfirmed = "unconfirmed"
)

type Config struct {
	TotalBudget    time.Duration
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffStep    time.Duration
	BackoffMax     time.Duration
	VerifyWindow   time.Duration
	VerifyInterval time.Duration
	ReconnectGap   time.Duration
}

func DefaultConfig() Config {
	return Config{
		TotalBudget:    60 * time.Second,
		AttemptTimeout: 20 * time.Second,
		BackoffBase:    700 * time.Millisecond,
		BackoffStep:    350 * time.Millisecond,
		BackoffMax:     3 * time.Second,
		VerifyWindow:   3500 * time.Millisecond,
		VerifyInterval: 350 * time.Millisecond,
		ReconnectGap:   3 * time.Second,
	}
}

// Backoff is the delay before attempt+1.
func (c Config) Backoff(attempt int) time.Duration {
	return min(c.BackoffBase+time.Duration(attempt)*c.BackoffStep, c.BackoffMax)
}

// Request is one move to append. Check reports whether the session that issued
// it is still current; it is consulted before every stage.
type Request struct {
	Path     string
	Previous model.Moves
	Token    string
	Fen      string
	Check    func() bool
}

func (r Request) live() bool { return r.Check == nil || r.Check() }

// Outcome describes a confirmed move.
type Outcome struct {
	Moves    model.Moves
	Attempts int
	// Verified is set when the write was only confirmed by the verification poll.
	Verified bool
}

type Pipeline struct {
	store     Store
	cfg       Config
	clock     clockwork.Clock
	reconnect Reconnector
	reload    func()
	metrics   *Metrics

	mu            sync.Mutex
	lastReconnect time.Time
}

type Option func(*Pipeline)

func WithConfig(c Config) Option { return func(p *Pipeline) { p.cfg = c } }

func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithReconnector(r Reconnector) Option { return func(p *Pipeline) { p.reconnect = r } }

// WithReload sets the last-resort hook run after a terminal failure.
func WithReload(fn func()) Option { return func(p *Pipeline) { p.reload = fn } }

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func New(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, cfg: DefaultConfig(), clock: clockwork.NewRealClock(), metrics: NewMetrics(nil)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type attemptResult struct {
	stored model.Moves
	ok     bool
	err    error
}

// Submit appends req.Token to req.Previous at req.Path. Attempts are strictly
// sequential: an attempt that outlives its timeout is waited on, never duplicated.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Outcome, error) {
	if !req.live() {
		p.metrics.observe(resultStale)
		return Outcome{}, ErrStale
	}
	next := req.Previous.Append(req.Token)
	deadline := p.clock.Now().Add(p.cfg.TotalBudget)
	remaining := func() time.Duration { return deadline.Sub(p.clock.Now()) }

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inflight <-chan attemptResult
	attempts := 0
	for attempt := 0; remaining() > 0; attempt++ {
		if !req.live() {
			p.metrics.observe(resultStale)
			return Outcome{}, ErrStale
		}
		ch := inflight
		if ch == nil {
			ch = p.launch(runCtx, req, next)
			attempts++
		}
		var r attemptResult
		timer := p.clock.NewTimer(min(p.cfg.AttemptTimeout, remaining()))
		select {
		case r = <-ch:
			inflight = nil
		case <-timer.Chan():
			inflight = ch
			r = attemptResult{err: context.DeadlineExceeded}
			obslog.L().Warn("move_attempt_timeout", zap.String("path", req.Path), zap.Int("attempt", attempt+1))
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		}
		timer.Stop()

		if !req.live() {
			p.metrics.observe(resultStale)
			return Outcome{}, ErrStale
		}
		switch {
		case r.ok:
			p.metrics.observe(resultConfirmed)
			return Outcome{Moves: next, Attempts: attempts}, nil
		case r.err == nil:
			obslog.L().Warn("move_remote_conflict",
				zap.String("path", req.Path),
				zap.String("expected", next.String()),
				zap.String("stored", r.stored.String()),
			)
			p.metrics.observe(resultConflict)
			_ = p.forceReconnect(ctx, ReasonConflict)
			return Outcome{}, ErrRemoteConflict
		}

		obslog.L().Info("move_attempt_failed", zap.String("path", req.Path), zap.Int("attempt", attempt+1), zap.Error(r.err))
		p.kickReconnect(ctx)
		wait := min(p.cfg.Backoff(attempt), remaining())
		if wait <= 0 {
			break
		}
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	if out, ok, err := p.verify(ctx, req, next); err != nil || ok {
		if ok {
			out.Attempts = attempts
			p.metrics.observe(resultVerified)
		}
		return out, err
	}

	obslog.L().Error("move_unconfirmed", zap.String("path", req.Path), zap.String("expected", next.String()), zap.Int("attempts", attempts))
	p.metrics.observe(resultUnconfirmed)
	if p.reload != nil && p.needsReload(ctx, req) {
		obslog.L().Warn("move_reload", zap.String("path", req.Path))
		p.reload()
	}
	return Outcome{}, ErrUnconfirmed
}

// needsReload forces a full reconnect after a terminal failure. A reload is still
// needed when that fails or the stored record no longer extends the history the
// move was built on.
func (p *Pipeline) needsReload(ctx context.Context, req Request) bool {
	if p.reconnect == nil {
		return true
	}
	if err := p.forceReconnect(ctx, ReasonUnconfirmed); err != nil {
		return true
	}
	snap, err := p.store.Get(context.WithoutCancel(ctx), req.Path)
	if err != nil {
		return true
	}
	var m model.Match
	if err := snap.Decode(&m); err != nil {
		return true
	}
	return !m.Moves().HasPrefix(req.Previous)
}

// launch runs one conditional write in the background. The write replaces fen and
// moves only when the stored history still equals the one we built on.
func (p *Pipeline) launch(ctx context.Context, req Request, next model.Moves) <-chan attemptResult {
	ch := make(chan attemptResult, 1)
	go func() {
		var stored model.Moves
		tx, err := p.store.Transaction(ctx, req.Path, func(cur syncstore.Snapshot) (any, bool, error) {
			if !req.live() {
				return nil, false, ErrStale
			}
			var m model.Match
			if err := cur.Decode(&m); err != nil {
				return nil, false, err
			}
			stored = m.Moves()
			if !stored.Equal(req.Previous) {
				return nil, false, nil
			}
			m.FlatMovesString = next.String()
			m.Fen = req.Fen
			return m, true, nil
		})
		switch {
		case err != nil:
			ch <- attemptResult{err: err}
		case tx.Committed:
			ch <- attemptResult{stored: next, ok: true}
		case stored.HasPrefix(next):
			// an earlier attempt landed and may already have been built on
			ch <- attemptResult{stored: stored, ok: true}
		default:
			ch <- attemptResult{stored: stored}
		}
	}()
	return ch
}

// verify polls the record directly for a write whose acknowledgement was lost.
func (p *Pipeline) verify(ctx context.Context, req Request, next model.Moves) (Outcome, bool, error) {
	until := p.clock.Now().Add(p.cfg.VerifyWindow)
	for {
		if !req.live() {
			p.metrics.observe(resultStale)
			return Outcome{}, false, ErrStale
		}
		snap, err := p.store.Get(ctx, req.Path)
		if err == nil {
			var m model.Match
			if derr := snap.Decode(&m); derr == nil && m.Moves().HasPrefix(next) {
				obslog.L().Info("move_verified", zap.String("path", req.Path))
				return Outcome{Moves: next, Verified: true}, true, nil
			}
		}
		if !p.clock.Now().Add(p.cfg.VerifyInterval).Before(until) {
			return Outcome{}, false, nil
		}
		select {
		case <-p.clock.After(p.cfg.VerifyInterval):
		case <-ctx.Done():
			return Outcome{}, false, ctx.Err()
		}
	}
}

// kickReconnect starts a background reconnect at most once per ReconnectGap.
func (p *Pipeline) kickReconnect(ctx context.Context) {
	if p.reconnect == nil {
		return
	}
	p.mu.Lock()
	now := p.clock.Now()
	if !p.lastReconnect.IsZero() && now.Sub(p.lastReconnect) < p.cfg.ReconnectGap {
		p.mu.Unlock()
		return
	}
	p.lastReconnect = now
	p.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := p.reconnect.Reconnect(bg, ReasonRetry); err != nil {
			obslog.L().Warn("move_reconnect_failed", zap.Error(err))
		}
	}()
}

func (p *Pipeline) forceReconnect(ctx context.Context, reason string) error {
	if p.reconnect == nil {
		return nil
	}
	p.mu.Lock()
	p.lastReconnect = p.clock.Now()
	p.mu.Unlock()
	if err := p.reconnect.Reconnect(context.WithoutCancel(ctx), reason); err != nil {
		obslog.L().Warn("move_reconnect_failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}
