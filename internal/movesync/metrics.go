package movesync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/obslog"
)

const (
	resultConfirmed   = "confirmed"
	resultVerified    = "verified"
	resultConflict    = "conflict"
	resultStale       = "stale"
	resultUnconfirmed = "unconfirmed"
)

// Metrics counts submissions by how they ended.
type Metrics struct {
	results *prometheus.CounterVec
}

// NewMetrics registers the counter on reg; nil keeps it private.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchsync",
		Name:      "move_submissions_total",
		Help:      "Move submissions by final result.",
	}, []string{"result"})
	if reg != nil {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					c = existing
				}
			} else {
				obslog.L().Warn("movesync_metrics_register", zap.Error(err))
			}
		}
	}
	return &Metrics{results: c}
}

func (m *Metrics) observe(result string) { m.results.WithLabelValues(result).Inc() }
