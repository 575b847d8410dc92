package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingExpirer struct {
	calls atomic.Int32
	ttl   atomic.Int64
	err   error
}

func (c *countingExpirer) ExpireStale(_ context.Context, olderThan time.Duration) (int, error) {
	c.calls.Add(1)
	c.ttl.Store(int64(olderThan))
	return 1, c.err
}

func TestNewRejectsNonPositive(t *testing.T) {
	_, err := New(&countingExpirer{}, 0, time.Minute)
	assert.Error(t, err)
	_, err = New(&countingExpirer{}, time.Minute, 0)
	assert.Error(t, err)
}

func TestSweepsOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exp := &countingExpirer{}
	s, err := New(exp, 20*time.Millisecond, 10*time.Minute)
	require.NoError(t, err)
	s.Start()
	require.Eventually(t, func() bool { return exp.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())
	assert.Equal(t, int64(10*time.Minute), exp.ttl.Load())
}

func TestRunOnceSurvivesErrors(t *testing.T) {
	exp := &countingExpirer{err: errors.New("redis down")}
	s, err := New(exp, time.Minute, time.Minute)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()
	s.RunOnce()
	s.RunOnce()
	assert.Equal(t, int32(2), exp.calls.Load())
}
