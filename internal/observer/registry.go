// Package observer keeps the cleanup handles of live subscriptions, grouped by the
// match context that opened them, so tearing a context down releases exactly its
// own listeners exactly once.
package observer

import (
	"errors"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/obslog"
)

// Kind labels what a subscription watches, for the lifecycle counters.
type Kind string

const (
	KindMatch         Kind = "match"
	KindOpponentMatch Kind = "opponent-match"
	KindInvite        Kind = "invite"
	KindReactions     Kind = "reactions"
	KindRematches     Kind = "rematches"
	KindWagers        Kind = "wagers"
	KindProfileLookup Kind = "profile-lookup"
	KindFrozen        Kind = "frozen"
)

// CloserFunc adapts a plain cleanup function.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

type entry struct {
	kind   Kind
	closer io.Closer
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]entry
	counts  map[Kind]int
	gauge   *prometheus.GaugeVec
}

// NewRegistry registers the live-observer gauge on reg. A nil reg keeps the
// gauge private, which is what tests use.
func NewRegistry(reg prometheus.Registerer) *Registry {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchsync",
		Name:      "live_observers",
		Help:      "Subscriptions currently held open, by kind.",
	}, []string{"kind"})
	if reg != nil {
		if err := reg.Register(gauge); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
					gauge = existing
				}
			} else {
				obslog.L().Warn("observer_gauge_register", zap.Error(err))
			}
		}
	}
	return &Registry{
		entries: make(map[string]map[string]entry),
		counts:  make(map[Kind]int),
		gauge:   gauge,
	}
}

// Register records closer under (contextID, key). It returns false when the key is
// already taken; the caller still owns closer in that case and must release it.
func (r *Registry) Register(contextID, key string, kind Kind, closer io.Closer) bool {
	if closer == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.entries[contextID]
	if !ok {
		byKey = make(map[string]entry)
		r.entries[contextID] = byKey
	}
	if _, dup := byKey[key]; dup {
		return false
	}
	byKey[key] = entry{kind: kind, closer: closer}
	r.adjustLocked(kind, 1)
	return true
}

func (r *Registry) RegisterFunc(contextID, key string, kind Kind, fn func() error) bool {
	if fn == nil {
		return false
	}
	return r.Register(contextID, key, kind, CloserFunc(fn))
}

// Has reports whether key is registered under contextID.
func (r *Registry) Has(contextID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[contextID][key]
	return ok
}

// Unregister releases one subscription. Unknown keys are ignored.
func (r *Registry) Unregister(contextID, key string) {
	r.mu.Lock()
	e, ok := r.entries[contextID][key]
	if ok {
		delete(r.entries[contextID], key)
		if len(r.entries[contextID]) == 0 {
			delete(r.entries, contextID)
		}
		r.adjustLocked(e.kind, -1)
	}
	r.mu.Unlock()
	if ok {
		r.release(contextID, key, e)
	}
}

// Dispose releases everything opened under contextID and returns how many
// cleanups ran. A failing cleanup is logged and does not stop the rest.
func (r *Registry) Dispose(contextID string) int {
	r.mu.Lock()
	byKey := r.entries[contextID]
	delete(r.entries, contextID)
	for _, e := range byKey {
		r.adjustLocked(e.kind, -1)
	}
	r.mu.Unlock()

	for key, e := range byKey {
		r.release(contextID, key, e)
	}
	return len(byKey)
}

// Counts snapshots the live subscriptions per kind.
func (r *Registry) Counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.counts))
	for k, v := range r.counts {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

func (r *Registry) adjustLocked(kind Kind, delta int) {
	r.counts[kind] += delta
	r.gauge.WithLabelValues(string(kind)).Add(float64(delta))
	if r.counts[kind] < 0 && !obslog.Production() {
		obslog.L().Warn("observer_count_negative", zap.String("kind", string(kind)), zap.Int("count", r.counts[kind]))
	}
}

func (r *Registry) release(contextID, key string, e entry) {
	defer func() {
		if p := recover(); p != nil {
			obslog.L().Warn("observer_cleanup_panic", zap.String("context_id", contextID), zap.String("key", key), zap.Any("panic", p))
		}
	}()
	if err := e.closer.Close(); err != nil {
		obslog.L().Warn("observer_cleanup_failed",
			zap.String("context_id", contextID),
			zap.String("key", key),
			zap.String("kind", string(e.kind)),
			zap.Error(err),
		)
	}
}
