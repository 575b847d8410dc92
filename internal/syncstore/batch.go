package syncstore

import (
    "context"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/park285/cheese-matchsync/internal/obslog"
)

// BatchGet reads every path concurrently. A failed read is retried once before
// the whole batch fails. Results keep the order of paths.
func (s *Store) BatchGet(ctx context.Context, paths ...string) ([]Snapshot, error) {
    out := make([]Snapshot, len(paths))
    g, gctx := errgroup.WithContext(ctx)
    for i, p := range paths {
        g.Go(func() error {
            snap, err := s.Get(gctx, p)
            if err != nil {
                obslog.L().Warn("syncstore_batch_read_retry", zap.String("path", p), zap.Error(err))
                if snap, err = s.Get(gctx, p); err != nil { return err }
            }
            out[i] = snap
            return nil
        })
    }
    if err := g.Wait(); err != nil { return nil, err }
    return out, nil
}
