// Package notify posts short outward announcements (matches found, ratings moved)
// to a chat relay. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/httpx"
	"github.com/park285/cheese-matchsync/internal/msgcat"
	"github.com/park285/cheese-matchsync/internal/obslog"
)

// Template keys the coordinator sends.
const (
	KeyAutomatchWaiting = "automatch.waiting"
	KeyAutomatchMatched = "automatch.matched"
	KeyRatingsUpdated   = "ratings.updated"
	KeyWagerResolved    = "wager.resolved"
)

// Keys lists every key a Webhook catalog must define.
func Keys() []string {
	return []string{KeyAutomatchWaiting, KeyAutomatchMatched, KeyRatingsUpdated, KeyWagerResolved}
}

type Notifier interface {
	Notify(ctx context.Context, key string, data map[string]any) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]any) error { return nil }

type replyRequest struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data string `json:"data"`
}

// Webhook renders a catalog template and posts it to the relay's /reply endpoint.
type Webhook struct {
	client *httpx.Client
	cat    *msgcat.Catalog
	room   string
}

func NewWebhook(client *httpx.Client, cat *msgcat.Catalog, room string) *Webhook {
	return &Webhook{client: client, cat: cat, room: room}
}

func (w *Webhook) Notify(ctx context.Context, key string, data map[string]any) error {
	if w == nil || w.client == nil || w.cat == nil {
		return errors.New("notify: webhook not configured")
	}
	text, err := w.cat.Render(key, data)
	if err != nil {
		return err
	}
	return w.client.PostJSON(ctx, "/reply", replyRequest{Type: "text", Room: w.room, Data: text}, nil, true)
}

const asyncTimeout = 5 * time.Second

// Async sends in the background. Failures are logged and never reach the caller.
func Async(n Notifier, key string, data map[string]any) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := n.Notify(ctx, key, data); err != nil {
			obslog.L().Warn("notify_failed", zap.String("key", key), zap.Error(err))
		}
	}()
}
