// Package feed pushes both players' match records to read-only watchers over a
// websocket, and exposes the process metrics next to it.
package feed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-matchsync/internal/model"
	"github.com/park285/cheese-matchsync/internal/observer"
	"github.com/park285/cheese-matchsync/internal/obslog"
	"github.com/park285/cheese-matchsync/internal/syncstore"
)

// Frame is one delivered match record.
type Frame struct {
	InviteID string       `json:"inviteId"`
	MatchID  string       `json:"matchId"`
	Seat     string       `json:"seat"` // host or guest
	PlayerID string       `json:"playerId"`
	Match    *model.Match `json:"match,omitempty"`
}

type Store interface {
	Get(ctx context.Context, path string) (syncstore.Snapshot, error)
	Subscribe(ctx context.Context, path string) (*syncstore.Subscription, error)
}

type Server struct {
	store        Store
	registry     *observer.Registry
	gatherer     prometheus.Gatherer
	pingInterval time.Duration
	writeTimeout time.Duration
}

type Option func(*Server)

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// NewServer watches through store. Open subscriptions are tracked in registry under
// one context per watcher, so a closed socket releases exactly its own.
func NewServer(store Store, registry *observer.Registry, gatherer prometheus.Gatherer, opts ...Option) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		store:        store,
		registry:     registry,
		gatherer:     gatherer,
		pingInterval: 30 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /watch/{inviteId}/{matchId}", s.watch)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	inviteID, matchID := r.PathValue("inviteId"), r.PathValue("matchId")
	snap, err := s.store.Get(r.Context(), model.InvitePath(inviteID))
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	var inv model.Invite
	if err := snap.Decode(&inv); err != nil || !snap.Exists() {
		http.Error(w, "invite not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionNoContextTakeover})
	if err != nil {
		obslog.L().Warn("feed_accept_failed", zap.String("invite_id", inviteID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	// watchers never send; CloseRead ends ctx when the peer goes away
	ctx := conn.CloseRead(r.Context())
	ctxID := uuid.NewString()
	defer s.registry.Dispose(ctxID)

	frames := make(chan Frame, 8)
	seats := []struct {
		seat, player string
		kind         observer.Kind
	}{
		{"host", inv.HostID, observer.KindMatch},
		{"guest", inv.GuestID, observer.KindOpponentMatch},
	}
	for _, st := range seats {
		if st.player == "" {
			continue
		}
		path := model.MatchPath(st.player, matchID)
		sub, err := s.store.Subscribe(ctx, path)
		if err != nil {
			obslog.L().Warn("feed_subscribe_failed", zap.String("path", path), zap.Error(err))
			conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
			return
		}
		if !s.registry.Register(ctxID, path, st.kind, sub) {
			_ = sub.Close()
			continue
		}
		base := Frame{InviteID: inviteID, MatchID: matchID, Seat: st.seat, PlayerID: st.player}
		go pump(ctx, sub, base, frames)
	}
	obslog.L().Info("feed_watch_open", zap.String("context_id", ctxID), zap.String("invite_id", inviteID), zap.String("match_id", matchID))

	err = s.serve(ctx, conn, frames)
	obslog.L().Info("feed_watch_closed", zap.String("context_id", ctxID), zap.Error(err))
	if errors.Is(err, context.Canceled) {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func pump(ctx context.Context, sub *syncstore.Subscription, base Frame, out chan<- Frame) {
	for snap := range sub.Updates() {
		f := base
		if snap.Exists() {
			var m model.Match
			if err := snap.Decode(&m); err != nil {
				obslog.L().Warn("feed_decode_failed", zap.String("path", snap.Path), zap.Error(err))
				continue
			}
			f.Match = &m
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

// serve writes frames and pings until ctx ends or two pings in a row fail.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, frames <-chan Frame) error {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			cancel()
			if err != nil {
				return err
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				return err
			}
		}
	}
}
