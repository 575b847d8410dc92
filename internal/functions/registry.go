// Package functions is the callable surface: every server operation addressable by
// name with a JSON request, the authenticated caller and a JSON response.
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/matchmaking"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/profiles"
	"github.com/park285/cheese-matchsync/internal/ratings"
	"github.com/park285/cheese-matchsync/internal/timers"
	"github.com/park285/cheese-matchsync/internal/wager"
	"github.com/park285/cheese-matchsync/pkg/matchdto"
)

type Caller = matchdto.Caller

// Handler runs one callable. raw is the request body; it may be empty.
type Handler func(ctx context.Context, caller Caller, raw json.RawMessage) (any, error)

type Deps struct {
	Matchmaking *matchmaking.Coordinator
	Timers      *timers.Service
	Ratings     *ratings.Service
	Profiles    *profiles.Directory
	Wager       *wager.Service
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(d Deps) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	if d.Matchmaking != nil {
		r.Register(matchdto.FnAutomatch, typed(func(ctx context.Context, c Caller, req matchdto.AutomatchRequest) (matchdto.AutomatchResponse, error) {
			p, err := player(ctx, d.Profiles, c)
			if err != nil {
				return matchdto.AutomatchResponse{}, err
			}
			res, err := d.Matchmaking.Automatch(ctx, p, req.EmojiID, req.Aura)
			return matchdto.AutomatchResponse{OK: res.OK, InviteID: res.InviteID}, err
		}))
		r.Register(matchdto.FnCancelAutomatch, typed(func(ctx context.Context, c Caller, _ struct{}) (matchdto.OKResponse, error) {
			p, err := player(ctx, d.Profiles, c)
			if err != nil {
				return matchdto.OKResponse{}, err
			}
			res, err := d.Matchmaking.CancelAutomatch(ctx, p)
			return matchdto.OKResponse{OK: res.OK}, err
		}))
	}
	if d.Timers != nil {
		r.Register(matchdto.FnStartMatchTimer, typed(d.Timers.StartMatchTimer))
		r.Register(matchdto.FnClaimTimerVictory, typed(d.Timers.ClaimVictoryByTimer))
	}
	if d.Ratings != nil {
		r.Register(matchdto.FnUpdateRatings, typed(d.Ratings.UpdateRatings))
	}
	if d.Profiles != nil {
		r.Register(matchdto.FnEditUsername, typed(func(ctx context.Context, c Caller, req matchdto.EditUsernameRequest) (matchdto.EditUsernameResponse, error) {
			if !c.Authenticated() {
				return matchdto.EditUsernameResponse{}, matchdto.Unauthenticated()
			}
			return d.Profiles.EditUsername(ctx, c.LoginID, c.ProfileID, req.Username)
		}))
	}
	if d.Wager != nil {
		r.Register(matchdto.FnSendWager, typed(d.Wager.Propose))
		r.Register(matchdto.FnCancelWager, typed(d.Wager.Cancel))
		r.Register(matchdto.FnDeclineWager, typed(d.Wager.Decline))
		r.Register(matchdto.FnAcceptWager, typed(d.Wager.Accept))
		r.Register(matchdto.FnResolveWager, typed(d.Wager.Resolve))
	}
	return r
}

// Register adds or replaces a callable.
func (r *Registry) Register(name string, h Handler) { r.handlers[name] = h }

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Call dispatches by name. Unknown names are not-found; untyped failures are
// logged and surfaced as internal.
func (r *Registry) Call(ctx context.Context, caller Caller, name string, raw json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, matchdto.Errorf(matchdto.CodeNotFound, "unknown function %q", name)
	}
	start := time.Now()
	out, err := h(ctx, caller, raw)
	if err != nil {
		var ce *matchdto.CallError
		if !errors.As(err, &ce) {
			obslog.L().Error("callable_failed", zap.String("fn", name), zap.String("login_id", caller.LoginID), zap.Error(err))
			return nil, matchdto.Internal("internal error")
		}
		obslog.L().Info("callable_rejected", zap.String("fn", name), zap.String("code", string(ce.Code)), zap.String("message", ce.Message))
		return nil, ce
	}
	obslog.L().Debug("callable_ok", zap.String("fn", name), zap.Duration("took", time.Since(start)))
	return out, nil
}

func typed[Req, Resp any](fn func(context.Context, Caller, Req) (Resp, error)) Handler {
	return func(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
		var req Req
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, matchdto.InvalidArgument("malformed request: " + err.Error())
			}
		}
		return fn(ctx, c, req)
	}
}

// player builds the matchmaking identity. A caller without a profile still plays
// under their login id.
func player(ctx context.Context, dir *profiles.Directory, c Caller) (matchmaking.Player, error) {
	if !c.Authenticated() {
		return matchmaking.Player{}, matchdto.Unauthenticated()
	}
	p := matchmaking.Player{UID: c.LoginID, ProfileID: c.ProfileID}
	if dir == nil {
		return p, nil
	}
	prof, err := dir.ForCaller(ctx, c.LoginID, c.ProfileID)
	switch {
	case errors.Is(err, profiles.ErrProfileNotFound):
		return p, nil
	case err != nil:
		return matchmaking.Player{}, err
	}
	p.ProfileID, p.Username = prof.ID, prof.Username
	return p, nil
}
