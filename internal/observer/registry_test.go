package observer

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentPerKey(t *testing.T) {
	r := NewRegistry(nil)
	closed := 0
	fn := func() error { closed++; return nil }

	assert.True(t, r.RegisterFunc("c1", "match:m1", KindMatch, fn))
	assert.False(t, r.RegisterFunc("c1", "match:m1", KindMatch, fn))
	assert.True(t, r.RegisterFunc("c2", "match:m1", KindMatch, fn), "keys are scoped by context")
	assert.Equal(t, map[Kind]int{KindMatch: 2}, r.Counts())

	r.Unregister("c1", "match:m1")
	r.Unregister("c1", "match:m1")
	assert.Equal(t, 1, closed)
	assert.False(t, r.Has("c1", "match:m1"))
}

func TestDisposeRunsEveryCleanupOnceDespiteFailures(t *testing.T) {
	r := NewRegistry(nil)
	var ran []string
	require.True(t, r.RegisterFunc("c1", "a", KindWagers, func() error { ran = append(ran, "a"); return errors.New("boom") }))
	require.True(t, r.RegisterFunc("c1", "b", KindRematches, func() error { ran = append(ran, "b"); panic("bad cleanup") }))
	require.True(t, r.RegisterFunc("c1", "c", KindReactions, func() error { ran = append(ran, "c"); return nil }))
	require.True(t, r.RegisterFunc("c2", "a", KindWagers, func() error { ran = append(ran, "other"); return nil }))

	assert.Equal(t, 3, r.Dispose("c1"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ran)
	assert.Equal(t, 0, r.Dispose("c1"), "second dispose finds nothing")
	assert.Equal(t, map[Kind]int{KindWagers: 1}, r.Counts())
}

func TestGaugeTracksLiveObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	noop := func() error { return nil }
	r.RegisterFunc("c1", "x", KindFrozen, noop)
	r.RegisterFunc("c1", "y", KindFrozen, noop)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.gauge.WithLabelValues(string(KindFrozen))))

	r.Dispose("c1")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.gauge.WithLabelValues(string(KindFrozen))))

	// a second registry on the same registerer shares the collector
	again := NewRegistry(reg)
	assert.Same(t, r.gauge, again.gauge)
}
