// Package syncstore is a path-addressable JSON tree kept in Redis. Records live at
// fixed roots (one Redis key each); deeper paths address fields inside a record.
// Writes are optimistic (WATCH/MULTI) and every committed root publishes a change
// notification that subscriptions re-read.
package syncstore

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/url"
    "sort"
    "strconv"
    "strings"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/park285/cheese-matchsync/internal/obslog"
)

var (
    ErrInvalidPath = errors.New("syncstore: invalid path")
    ErrTxConflict  = errors.New("syncstore: too many concurrent writers")
)

const (
    defaultKeyPrefix    = "sync:"
    defaultMaxTxRetries = 16
)

// DefaultRoots are the record roots of the match coordinator's tree.
var DefaultRoots = []string{
    "invites/*",
    "automatch/*",
    "players/*/matches/*",
    "players/*/profile",
    "players/*/mining/*",
}

type Store struct {
    rdb        *redis.Client
    prefix     string
    roots      [][]string
    queues     map[string]bool
    maxRetries int
}

type Option func(*Store)

func WithKeyPrefix(p string) Option {
    return func(s *Store) { if strings.TrimSpace(p) != "" { s.prefix = p } }
}

// WithRoots replaces the record root patterns. "*" matches one segment.
func WithRoots(patterns ...string) Option {
    return func(s *Store) {
        s.roots = s.roots[:0]
        for _, p := range patterns { s.roots = append(s.roots, splitPath(p)) }
    }
}

// WithQueue marks a collection whose records are ordered by insertion position.
func WithQueue(collection string) Option {
    return func(s *Store) { s.queues[collection] = true }
}

func WithMaxTxRetries(n int) Option {
    return func(s *Store) { if n > 0 { s.maxRetries = n } }
}

func New(rdb *redis.Client, opts ...Option) *Store {
    s := &Store{
        rdb:        rdb,
        prefix:     defaultKeyPrefix,
        queues:     map[string]bool{"automatch": true},
        maxRetries: defaultMaxTxRetries,
    }
    for _, p := range DefaultRoots { s.roots = append(s.roots, splitPath(p)) }
    for _, opt := range opts { opt(s) }
    return s
}

// Open dials REDIS_URL style addresses and verifies the connection.
func Open(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
    if strings.TrimSpace(redisURL) == "" {
        return nil, fmt.Errorf("REDIS_URL required for sync store")
    }
    ropts, err := parseRedisURL(redisURL)
    if err != nil { return nil, err }
    rdb := redis.NewClient(ropts)
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return New(rdb, opts...), nil
}

func (s *Store) Close() error {
    if s == nil || s.rdb == nil { return nil }
    return s.rdb.Close()
}

func (s *Store) key(root string) string          { return s.prefix + "rec:" + root }
func (s *Store) channel(root string) string      { return s.prefix + "changed:" + root }
func (s *Store) queueKey(coll string) string     { return s.prefix + "queue:" + coll }
func (s *Store) queueSeqKey(coll string) string  { return s.prefix + "queue:" + coll + ":seq" }

// Snapshot is the JSON value found at a path. A missing value has no bytes.
type Snapshot struct {
    Path string
    raw  json.RawMessage
}

func (s Snapshot) Exists() bool { return len(s.raw) > 0 && string(s.raw) != "null" }

func (s Snapshot) Raw() json.RawMessage { return s.raw }

func (s Snapshot) Decode(out any) error {
    if !s.Exists() { return nil }
    return json.Unmarshal(s.raw, out)
}

// String returns the value when it is a JSON string, "" otherwise.
func (s Snapshot) String() string {
    var v string
    if !s.Exists() || json.Unmarshal(s.raw, &v) != nil { return "" }
    return v
}

func snapshotOf(path string, v any) Snapshot {
    if v == nil { return Snapshot{Path: path} }
    raw, err := json.Marshal(v)
    if err != nil { return Snapshot{Path: path} }
    return Snapshot{Path: path, raw: raw}
}

// Get reads the value at path.
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
    loc, err := s.locate(path)
    if err != nil { return Snapshot{}, err }
    doc, err := readRoot(ctx, s.rdb, s.key(loc.root))
    if err != nil { return Snapshot{}, err }
    return snapshotOf(path, getIn(doc, loc.field)), nil
}

// Set replaces the value at path. A nil value removes it.
func (s *Store) Set(ctx context.Context, path string, v any) error {
    return s.Update(ctx, map[string]any{path: v})
}

func (s *Store) Remove(ctx context.Context, path string) error {
    return s.Update(ctx, map[string]any{path: nil})
}

type pendingWrite struct {
    loc location
    val any
}

// Update applies every path write in one atomic commit. Nil values delete.
func (s *Store) Update(ctx context.Context, updates map[string]any) error {
    _, err := s.update(ctx, "", nil, updates)
    return err
}

// UpdateIf is Update guarded by a predicate over guardPath, evaluated inside the
// same optimistic transaction. It reports false, writing nothing, when the guard
// rejects the current value.
func (s *Store) UpdateIf(ctx context.Context, guardPath string, guard func(Snapshot) bool, updates map[string]any) (bool, error) {
    if guard == nil { return false, fmt.Errorf("syncstore: nil guard for %s", guardPath) }
    return s.update(ctx, guardPath, guard, updates)
}

func (s *Store) update(ctx context.Context, guardPath string, guard func(Snapshot) bool, updates map[string]any) (bool, error) {
    if len(updates) == 0 { return true, nil }
    paths := make([]string, 0, len(updates))
    for p := range updates { paths = append(paths, p) }
    // parents before children so nested writes land on top
    sort.Strings(paths)

    writes := make([]pendingWrite, 0, len(paths))
    roots := make(map[string]struct{})
    for _, p := range paths {
        loc, err := s.locate(p)
        if err != nil { return false, err }
        val, err := toTree(updates[p])
        if err != nil { return false, fmt.Errorf("syncstore: encode %s: %w", p, err) }
        writes = append(writes, pendingWrite{loc: loc, val: val})
        roots[loc.root] = struct{}{}
    }
    var guardLoc location
    if guard != nil {
        loc, err := s.locate(guardPath)
        if err != nil { return false, err }
        guardLoc = loc
    }
    keys := make([]string, 0, len(roots)+1)
    for r := range roots { keys = append(keys, s.key(r)) }
    if guard != nil {
        if _, dup := roots[guardLoc.root]; !dup { keys = append(keys, s.key(guardLoc.root)) }
    }

    applied := false
    err := s.retry(ctx, func() error {
        return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
            applied = false
            if guard != nil {
                doc, err := readRoot(ctx, tx, s.key(guardLoc.root))
                if err != nil { return err }
                if !guard(snapshotOf(guardPath, getIn(doc, guardLoc.field))) { return nil }
            }
            docs := make(map[string]any, len(roots))
            existed := make(map[string]bool, len(roots))
            for r := range roots {
                doc, err := readRoot(ctx, tx, s.key(r))
                if err != nil { return err }
                docs[r] = doc
                existed[r] = doc != nil
            }
            for _, w := range writes {
                docs[w.loc.root] = setIn(docs[w.loc.root], w.loc.field, w.val)
            }
            if err := s.flush(ctx, tx, docs, existed); err != nil { return err }
            applied = true
            return nil
        }, keys...)
    })
    return applied, err
}

// TxFunc receives the current value and returns the replacement. Returning
// commit=false aborts without writing.
type TxFunc func(current Snapshot) (next any, commit bool, err error)

type TxResult struct {
    Committed bool
    Snapshot  Snapshot
}

// Transaction runs fn as an optimistic read-modify-write on path. fn is re-run with
// the fresh value whenever another writer touches the record first.
func (s *Store) Transaction(ctx context.Context, path string, fn TxFunc) (TxResult, error) {
    loc, err := s.locate(path)
    if err != nil { return TxResult{}, err }
    key := s.key(loc.root)
    var result TxResult
    err = s.retry(ctx, func() error {
        return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
            doc, err := readRoot(ctx, tx, key)
            if err != nil { return err }
            cur := snapshotOf(path, getIn(doc, loc.field))
            next, commit, err := fn(cur)
            if err != nil { return err }
            if !commit {
                result = TxResult{Committed: false, Snapshot: cur}
                return nil
            }
            val, err := toTree(next)
            if err != nil { return fmt.Errorf("syncstore: encode %s: %w", path, err) }
            newDoc := setIn(doc, loc.field, val)
            if err := s.flush(ctx, tx, map[string]any{loc.root: newDoc}, map[string]bool{loc.root: doc != nil}); err != nil {
                return err
            }
            result = TxResult{Committed: true, Snapshot: snapshotOf(path, val)}
            return nil
        }, key)
    })
    if err != nil { return TxResult{}, err }
    return result, nil
}

func (s *Store) retry(ctx context.Context, op func() error) error {
    for attempt := 0; attempt < s.maxRetries; attempt++ {
        err := op()
        if errors.Is(err, redis.TxFailedErr) {
            if ctx.Err() != nil { return ctx.Err() }
            continue
        }
        return err
    }
    obslog.L().Warn("syncstore_tx_exhausted", zap.Int("attempts", s.maxRetries))
    return ErrTxConflict
}

// flush writes the changed roots inside MULTI and publishes one notification per root.
func (s *Store) flush(ctx context.Context, tx *redis.Tx, docs map[string]any, existed map[string]bool) error {
    type enqueue struct{ coll, id string; seq int64 }
    var adds []enqueue
    for root, doc := range docs {
        coll, id, ok := s.queueMember(root)
        if ok && doc != nil && !existed[root] {
            seq, err := tx.Incr(ctx, s.queueSeqKey(coll)).Result()
            if err != nil { return err }
            adds = append(adds, enqueue{coll: coll, id: id, seq: seq})
        }
    }
    _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
        for root, doc := range docs {
            key := s.key(root)
            if doc == nil {
                if !existed[root] { continue }
                pipe.Del(ctx, key)
                if coll, id, ok := s.queueMember(root); ok {
                    pipe.ZRem(ctx, s.queueKey(coll), id)
                }
            } else {
                raw, err := json.Marshal(doc)
                if err != nil { return err }
                pipe.Set(ctx, key, raw, 0)
            }
            pipe.Publish(ctx, s.channel(root), root)
        }
        for _, a := range adds {
            pipe.ZAdd(ctx, s.queueKey(a.coll), redis.Z{Score: float64(a.seq), Member: a.id})
        }
        return nil
    })
    return err
}

func (s *Store) queueMember(root string) (coll, id string, ok bool) {
    segs := splitPath(root)
    if len(segs) != 2 || !s.queues[segs[0]] { return "", "", false }
    return segs[0], segs[1], true
}

func readRoot(ctx context.Context, c redis.Cmdable, key string) (any, error) {
    raw, err := c.Get(ctx, key).Bytes()
    if err == redis.Nil { return nil, nil }
    if err != nil { return nil, err }
    var doc any
    if err := json.Unmarshal(raw, &doc); err != nil {
        return nil, fmt.Errorf("syncstore: decode %s: %w", key, err)
    }
    return doc, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
    u, err := url.Parse(raw)
    if err != nil { return nil, err }
    if u.Scheme != "redis" && u.Scheme != "rediss" { return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme) }
    db := 0
    if p := strings.TrimPrefix(u.Path, "/"); p != "" { if n, err := strconv.Atoi(p); err == nil { db = n } }
    pass, _ := u.User.Password()
    return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
