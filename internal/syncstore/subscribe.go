package syncstore

import (
    "bytes"
    "context"
    "sync"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/park285/cheese-matchsync/internal/obslog"
)

// Subscription delivers the value at a path: once on open, then on every change.
// Identical consecutive values are collapsed.
type Subscription struct {
    path    string
    updates chan Snapshot
    ps      *redis.PubSub
    cancel  context.CancelFunc
    done    chan struct{}
    once    sync.Once
    err     error
}

func (s *Store) Subscribe(ctx context.Context, path string) (*Subscription, error) {
    loc, err := s.locate(path)
    if err != nil { return nil, err }
    ps := s.rdb.Subscribe(ctx, s.channel(loc.root))
    // wait for the subscribe ack so no change slips between it and the first read
    if _, err := ps.Receive(ctx); err != nil {
        _ = ps.Close()
        return nil, err
    }
    subCtx, cancel := context.WithCancel(ctx)
    sub := &Subscription{
        path:    path,
        updates: make(chan Snapshot, 8),
        ps:      ps,
        cancel:  cancel,
        done:    make(chan struct{}),
    }
    go sub.run(subCtx, s, ps.Channel())
    return sub, nil
}

func (sub *Subscription) Path() string { return sub.path }

// Updates is closed after Close or when the subscribing context ends.
func (sub *Subscription) Updates() <-chan Snapshot { return sub.updates }

// Close releases the Redis subscription. Safe to call more than once.
func (sub *Subscription) Close() error {
    sub.once.Do(func() {
        sub.cancel()
        sub.err = sub.ps.Close()
        <-sub.done
    })
    return sub.err
}

func (sub *Subscription) run(ctx context.Context, s *Store, msgs <-chan *redis.Message) {
    defer close(sub.done)
    defer close(sub.updates)
    var last []byte
    first := true
    emit := func() bool {
        snap, err := s.Get(ctx, sub.path)
        if err != nil {
            if ctx.Err() != nil { return false }
            obslog.L().Warn("syncstore_subscription_read", zap.String("path", sub.path), zap.Error(err))
            return true
        }
        if !first && bytes.Equal(snap.raw, last) { return true }
        first = false
        last = snap.raw
        select {
        case sub.updates <- snap:
            return true
        case <-ctx.Done():
            return false
        }
    }
    if !emit() { return }
    for {
        select {
        case <-ctx.Done():
            return
        case _, ok := <-msgs:
            if !ok { return }
            if !emit() { return }
        }
    }
}
