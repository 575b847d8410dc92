package syncstore

import (
    "context"
    "errors"

    "github.com/redis/go-redis/v9"
)

var ErrNotQueue = errors.New("syncstore: collection is not a queue")

// First returns the oldest entry of a queue collection by insertion position.
// id is "" when the queue is empty.
func (s *Store) First(ctx context.Context, collection string) (string, Snapshot, error) {
    if !s.queues[collection] { return "", Snapshot{}, ErrNotQueue }
    // stale index members (record deleted outside a queue-aware write) are dropped
    for i := 0; i < 8; i++ {
        ids, err := s.rdb.ZRange(ctx, s.queueKey(collection), 0, 0).Result()
        if err != nil { return "", Snapshot{}, err }
        if len(ids) == 0 { return "", Snapshot{}, nil }
        snap, err := s.Get(ctx, collection+"/"+ids[0])
        if err != nil { return "", Snapshot{}, err }
        if snap.Exists() { return ids[0], snap, nil }
        if err := s.rdb.ZRem(ctx, s.queueKey(collection), ids[0]).Err(); err != nil && err != redis.Nil {
            return "", Snapshot{}, err
        }
    }
    return "", Snapshot{}, nil
}

// Scan visits queue entries oldest first until fn returns false.
func (s *Store) Scan(ctx context.Context, collection string, fn func(id string, snap Snapshot) bool) error {
    if !s.queues[collection] { return ErrNotQueue }
    ids, err := s.rdb.ZRange(ctx, s.queueKey(collection), 0, -1).Result()
    if err != nil { return err }
    for _, id := range ids {
        snap, err := s.Get(ctx, collection+"/"+id)
        if err != nil { return err }
        if !snap.Exists() { continue }
        if !fn(id, snap) { return nil }
    }
    return nil
}
