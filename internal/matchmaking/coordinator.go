// Package matchmaking pairs anonymous players through the automatch queue. The
// oldest waiting ticket is claimed by the next caller; otherwise the caller becomes
// the waiting host.
package matchmaking

import (
    "context"
    "crypto/rand"
    "errors"
    "fmt"
    "math/big"
    "strings"
    "time"

    "github.com/jonboulle/clockwork"
    "go.uber.org/zap"

    "github.com/park285/cheese-matchsync/internal/model"
    "github.com/park285/cheese-matchsync/internal/notify"
    "github.com/park285/cheese-matchsync/internal/obslog"
    "github.com/park285/cheese-matchsync/internal/syncstore"
)

const (
    DefaultMaxRetries = 3

    inviteSuffixLen = 11
    passwordLen     = 15
    anonName        = "anon"
    alphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
    inviteVersion   = 2
)

var ErrInvalidCaller = errors.New("matchmaking: caller uid required")

// Store is the slice of the synchronized store the coordinator needs.
type Store interface {
    Get(ctx context.Context, path string) (syncstore.Snapshot, error)
    Update(ctx context.Context, updates map[string]any) error
    UpdateIf(ctx context.Context, guardPath string, guard func(syncstore.Snapshot) bool, updates map[string]any) (bool, error)
    Transaction(ctx context.Context, path string, fn syncstore.TxFunc) (syncstore.TxResult, error)
    First(ctx context.Context, collection string) (string, syncstore.Snapshot, error)
    Scan(ctx context.Context, collection string, fn func(id string, snap syncstore.Snapshot) bool) error
}

// Player is the authenticated caller as matchmaking sees it.
type Player struct {
    UID       string
    ProfileID string
    Username  string
}

func (p Player) DisplayName() string {
    if n := strings.TrimSpace(p.Username); n != "" { return n }
    return anonName
}

type Result struct {
    OK       bool   `json:"ok"`
    InviteID string `json:"inviteId,omitempty"`
}

type Coordinator struct {
    store      Store
    notifier   notify.Notifier
    clock      clockwork.Clock
    maxRetries int
    initialFEN string
    linkBase   string
}

type Option func(*Coordinator)

func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { if n != nil { c.notifier = n } } }

func WithClock(clk clockwork.Clock) Option { return func(c *Coordinator) { if clk != nil { c.clock = clk } } }

func WithMaxRetries(n int) Option { return func(c *Coordinator) { if n >= 0 { c.maxRetries = n } } }

// WithLinkBase sets the URL prefix announcements use to point at an invite.
func WithLinkBase(base string) Option { return func(c *Coordinator) { c.linkBase = strings.TrimRight(base, "/") } }

func New(store Store, initialFEN string, opts ...Option) *Coordinator {
    c := &Coordinator{
        store:      store,
        notifier:   notify.Nop{},
        clock:      clockwork.NewRealClock(),
        maxRetries: DefaultMaxRetries,
        initialFEN: initialFEN,
    }
    for _, opt := range opts { opt(c) }
    return c
}

// Automatch returns the invite the caller now belongs to. Losing a claim race is
// retried against the next oldest ticket up to maxRetries times; after that the
// result is {ok:false}.
func (c *Coordinator) Automatch(ctx context.Context, p Player, emojiID int, aura string) (Result, error) {
    if strings.TrimSpace(p.UID) == "" { return Result{}, ErrInvalidCaller }
    for attempt := 0; attempt <= c.maxRetries; attempt++ {
        id, snap, err := c.store.First(ctx, model.AutomatchCollection)
        if err != nil { return Result{}, err }
        if id == "" { return c.create(ctx, p, emojiID, aura) }

        var t model.Ticket
        if err := snap.Decode(&t); err != nil {
            obslog.L().Warn("automatch_ticket_decode", zap.String("invite_id", id), zap.Error(err))
            if err := c.dropCorrupt(ctx, id); err != nil { return Result{}, err }
            continue
        }
        if t.OwnedBy(p.UID, p.ProfileID) {
            return Result{OK: true, InviteID: id}, nil
        }
        won, err := c.claim(ctx, id, t, p, emojiID, aura)
        if err != nil {
            if ctx.Err() != nil { return Result{}, ctx.Err() }
            obslog.L().Warn("automatch_claim_failed", zap.String("invite_id", id), zap.Int("attempt", attempt), zap.Error(err))
            continue
        }
        if won {
            obslog.L().Info("automatch_claimed", zap.String("invite_id", id), zap.String("host_id", t.UID), zap.String("guest_id", p.UID))
            notify.Async(c.notifier, notify.KeyAutomatchMatched, map[string]any{
                "Host": ticketName(t), "Guest": p.DisplayName(), "Link": c.link(id),
            })
            return Result{OK: true, InviteID: id}, nil
        }
        obslog.L().Info("automatch_claim_lost", zap.String("invite_id", id), zap.Int("attempt", attempt))
    }
    return Result{OK: false}, nil
}

// dropCorrupt removes an undecodable ticket so the queue head moves past it. A
// ticket rewritten in the meantime is left alone.
func (c *Coordinator) dropCorrupt(ctx context.Context, id string) error {
    corrupt := func(s syncstore.Snapshot) bool {
        var t model.Ticket
        return s.Exists() && s.Decode(&t) != nil
    }
    removed, err := c.store.UpdateIf(ctx, model.TicketPath(id), corrupt, map[string]any{model.TicketPath(id): nil})
    if err != nil { return fmt.Errorf("automatch drop ticket %s: %w", id, err) }
    if removed { obslog.L().Warn("automatch_ticket_dropped", zap.String("invite_id", id)) }
    return nil
}

func ticketName(t model.Ticket) string {
    if n := strings.TrimSpace(t.Username); n != "" { return n }
    return anonName
}

func (c *Coordinator) create(ctx context.Context, p Player, emojiID int, aura string) (Result, error) {
    suffix, err := randomString(inviteSuffixLen)
    if err != nil { return Result{}, err }
    password, err := randomString(passwordLen)
    if err != nil { return Result{}, err }
    hostColor, err := randomColor()
    if err != nil { return Result{}, err }
    id := model.AutomatchInviteID(suffix)

    ticket := model.Ticket{
        UID:       p.UID,
        Timestamp: c.clock.Now().UnixMilli(),
        ProfileID: p.ProfileID,
        HostColor: hostColor,
        Password:  password,
        Username:  strings.TrimSpace(p.Username),
        Name:      p.DisplayName(),
        EmojiID:   emojiID,
        Aura:      aura,
    }
    invite := model.Invite{Version: inviteVersion, HostID: p.UID, HostColor: hostColor, Password: password, Automatch: true}
    match := c.newMatch(hostColor, emojiID, aura)

    err = c.store.Update(ctx, map[string]any{
        model.TicketPath(id):                         ticket,
        model.InvitePath(id):                         invite,
        model.MatchPath(p.UID, model.MatchID(id, 0)): match,
    })
    if err != nil { return Result{}, fmt.Errorf("automatch create: %w", err) }
    obslog.L().Info("automatch_create", zap.String("invite_id", id), zap.String("host_id", p.UID), zap.String("host_color", hostColor))
    notify.Async(c.notifier, notify.KeyAutomatchWaiting, map[string]any{"Name": p.DisplayName(), "Link": c.link(id)})
    return Result{OK: true, InviteID: id}, nil
}

// claim writes the caller into the ticket's invite. The write only commits while the
// ticket is still queued; the guest id is re-read afterwards to confirm the seat.
func (c *Coordinator) claim(ctx context.Context, id string, t model.Ticket, p Player, emojiID int, aura string) (bool, error) {
    invite := model.Invite{
        Version:   inviteVersion,
        HostID:    t.UID,
        HostColor: t.HostColor,
        GuestID:   p.UID,
        Password:  t.Password,
        Automatch: true,
    }
    match := c.newMatch(model.OppositeColor(t.HostColor), emojiID, aura)
    stillQueued := func(s syncstore.Snapshot) bool {
        var cur model.Ticket
        return s.Decode(&cur) == nil && cur.UID == t.UID
    }
    applied, err := c.store.UpdateIf(ctx, model.TicketPath(id), stillQueued, map[string]any{
        model.TicketPath(id):                         nil,
        model.InvitePath(id):                         invite,
        model.MatchPath(p.UID, model.MatchID(id, 0)): match,
    })
    if err != nil { return false, err }
    if !applied { return false, nil }
    snap, err := c.store.Get(ctx, model.InviteGuestPath(id))
    if err != nil { return false, err }
    return snap.String() == p.UID, nil
}

func (c *Coordinator) newMatch(color string, emojiID int, aura string) model.Match {
    return model.Match{Version: inviteVersion, Color: color, EmojiID: emojiID, Aura: aura, Fen: c.initialFEN}
}

func (c *Coordinator) link(inviteID string) string {
    if c.linkBase == "" { return inviteID }
    return c.linkBase + "/" + inviteID
}

// CancelAutomatch withdraws the caller's waiting ticket. It reports {ok:false} when
// there is nothing to cancel or a guest already claimed the invite.
func (c *Coordinator) CancelAutomatch(ctx context.Context, p Player) (Result, error) {
    if strings.TrimSpace(p.UID) == "" { return Result{}, ErrInvalidCaller }
    var id string
    err := c.store.Scan(ctx, model.AutomatchCollection, func(tid string, snap syncstore.Snapshot) bool {
        var t model.Ticket
        if snap.Decode(&t) == nil && t.UID == p.UID {
            id = tid
            return false
        }
        return true
    })
    if err != nil { return Result{}, err }
    if id == "" { return Result{OK: false}, nil }

    if claimed, err := c.hasGuest(ctx, id); err != nil || claimed {
        return Result{OK: false}, err
    }
    res, err := c.store.Transaction(ctx, model.TicketPath(id), func(cur syncstore.Snapshot) (any, bool, error) {
        var t model.Ticket
        if err := cur.Decode(&t); err != nil || t.UID != p.UID { return nil, false, nil }
        return nil, true, nil
    })
    if err != nil { return Result{}, err }
    if !res.Committed { return Result{OK: false}, nil }

    if claimed, err := c.hasGuest(ctx, id); err != nil || claimed {
        return Result{OK: false}, err
    }
    obslog.L().Info("automatch_cancel", zap.String("invite_id", id), zap.String("host_id", p.UID))
    return Result{OK: true, InviteID: id}, nil
}

func (c *Coordinator) hasGuest(ctx context.Context, id string) (bool, error) {
    snap, err := c.store.Get(ctx, model.InviteGuestPath(id))
    if err != nil { return false, err }
    return snap.String() != "", nil
}

// ExpireStale drops guestless tickets that waited longer than olderThan and returns
// how many were removed. The host's invite stays reachable by direct link.
func (c *Coordinator) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
    cutoff := c.clock.Now().Add(-olderThan).UnixMilli()
    type stale struct{ id, uid string }
    var victims []stale
    err := c.store.Scan(ctx, model.AutomatchCollection, func(id string, snap syncstore.Snapshot) bool {
        var t model.Ticket
        if err := snap.Decode(&t); err != nil {
            victims = append(victims, stale{id: id})
            return true
        }
        if t.Timestamp < cutoff { victims = append(victims, stale{id: id, uid: t.UID}) }
        return true
    })
    if err != nil { return 0, err }

    removed := 0
    for _, v := range victims {
        if claimed, err := c.hasGuest(ctx, v.id); err != nil || claimed {
            if err != nil { return removed, err }
            continue
        }
        res, err := c.store.Transaction(ctx, model.TicketPath(v.id), func(cur syncstore.Snapshot) (any, bool, error) {
            var t model.Ticket
            if cur.Decode(&t) == nil && t.UID != v.uid { return nil, false, nil }
            return nil, true, nil
        })
        if err != nil { return removed, err }
        if res.Committed {
            removed++
            obslog.L().Info("automatch_expired", zap.String("invite_id", v.id), zap.String("host_id", v.uid))
        }
    }
    return removed, nil
}

func randomString(n int) (string, error) {
    max := big.NewInt(int64(len(alphabet)))
    var b strings.Builder
    b.Grow(n)
    for i := 0; i < n; i++ {
        v, err := rand.Int(rand.Reader, max)
        if err != nil { return "", err }
        b.WriteByte(alphabet[v.Int64()])
    }
    return b.String(), nil
}

func randomColor() (string, error) {
    v, err := rand.Int(rand.Reader, big.NewInt(2))
    if err != nil { return "", err }
    if v.Int64() == 0 { return model.ColorWhite, nil }
    return model.ColorBlack, nil
}
