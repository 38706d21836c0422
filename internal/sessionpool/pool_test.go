package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signaler/engine/internal/retry"
)

type fakeSession struct{ id string }

func (f *fakeSession) ID() string  { return f.id }
func (f *fakeSession) Close() error { return nil }

type fakeDriver struct {
	counter    int64
	failNext   int32 // number of upcoming NewSession calls that should fail
	failErr    error
}

func (d *fakeDriver) NewSession(ctx context.Context) (Session, error) {
	if atomic.LoadInt32(&d.failNext) > 0 {
		atomic.AddInt32(&d.failNext, -1)
		if d.failErr != nil {
			return nil, d.failErr
		}
		return nil, errors.New("target closed")
	}
	n := atomic.AddInt64(&d.counter, 1)
	return &fakeSession{id: fmt.Sprintf("sess-%d", n)}, nil
}

func testConfig() Config {
	return Config{
		ConfiguredCap:   4,
		TotalMemoryMB:   8192,
		LogicalCPUCount: 8,
		Retry:           retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2},
	}
}

func TestAcquireReleaseHealthyRoundTrip(t *testing.T) {
	pool := New(&fakeDriver{}, testConfig())
	ctx := context.Background()

	sess, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)

	pool.Release(sess, true)
	assert.False(t, pool.ShouldRecreate(sess.ID()))
}

func TestExternallyManagedForcesCapOne(t *testing.T) {
	cfg := testConfig()
	cfg.ExternallyManaged = true
	pool := New(&fakeDriver{}, cfg)
	assert.Equal(t, 1, pool.Cap())
}

func TestTwoConsecutiveCreationFailuresHalveCap(t *testing.T) {
	driver := &fakeDriver{failNext: 4} // enough failures across retry attempts
	cfg := testConfig()
	cfg.ConfiguredCap = 8
	cfg.LogicalCPUCount = 8
	cfg.TotalMemoryMB = 16384
	cfg.Retry = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 1}
	pool := New(driver, cfg)
	initialCap := pool.Cap()

	ctx := context.Background()
	_, err1 := pool.Acquire(ctx)
	require.Error(t, err1)
	_, err2 := pool.Acquire(ctx)
	require.Error(t, err2)

	assert.Equal(t, initialCap/2, pool.Cap())
}

func TestShouldRecreateAfterThreeFailures(t *testing.T) {
	pool := New(&fakeDriver{}, testConfig())
	ctx := context.Background()

	sess, err := pool.Acquire(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		pool.Release(sess, false)
		sess = &fakeSession{id: sess.ID()} // re-wrap same id to simulate re-observation
	}
	assert.True(t, pool.ShouldRecreate(sess.ID()))
}

func TestAcquireAfterCloseFails(t *testing.T) {
	pool := New(&fakeDriver{}, testConfig())
	require.NoError(t, pool.Close())
	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
