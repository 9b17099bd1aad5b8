package ctxz

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// newTestManager builds a manager with an observed logger, the given
// clock, and an isolated registry.
func newTestManager(t *testing.T, clock clockz.Clock) (*Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	manager := New(
		WithLogger(zap.New(core)),
		WithClock(clock),
		WithRegisterer(prometheus.NewRegistry()),
	)
	return manager, logs
}

func TestManagerEnterRegistersRoot(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	ctx, reqCtx := manager.Enter(context.Background(), "req-1")

	key, ok := ActiveKey(ctx)
	require.True(t, ok)
	assert.Equal(t, "req-1", key)
	assert.Equal(t, "req-1", reqCtx.Identifier())

	stored, ok := manager.Store().Find("req-1")
	require.True(t, ok)
	assert.Same(t, reqCtx, stored)
}

func TestManagerEnterNilContext(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	//nolint:staticcheck // nil context tolerance is part of the contract
	ctx, reqCtx := manager.Enter(nil, "req-1")

	require.NotNil(t, ctx)
	require.NotNil(t, reqCtx)
}

func TestManagerEnterDerivesDummyKey(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	_, first := manager.Enter(context.Background(), "req-1")
	secondCtx, second := manager.Enter(context.Background(), "req-1")

	key, ok := ActiveKey(secondCtx)
	require.True(t, ok)
	assert.Equal(t, "dummy_req-1_0", key)

	// Both participants share one Context.
	assert.Same(t, first, second)
	first.AddField("seen_by", "first")
	value, ok := second.Field("seen_by")
	require.True(t, ok)
	assert.Equal(t, "first", value)

	assert.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.collisions))
}

func TestManagerEnterDummyKeysDistinct(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	manager.Enter(context.Background(), "req-1")
	secondCtx, _ := manager.Enter(context.Background(), "req-1")
	thirdCtx, _ := manager.Enter(context.Background(), "req-1")

	secondKey, _ := ActiveKey(secondCtx)
	thirdKey, _ := ActiveKey(thirdCtx)
	assert.NotEqual(t, secondKey, thirdKey)
	assert.True(t, strings.HasPrefix(thirdKey, "dummy_req-1_"))
}

func TestManagerEnterLogsPriorKey(t *testing.T) {
	manager, logs := newTestManager(t, clockz.RealClock)

	ctx, _ := manager.Enter(context.Background(), "first")
	manager.Enter(ctx, "second")

	replaced := logs.FilterMessage("active key already set, replacing")
	require.Equal(t, 1, replaced.Len())
	assert.Equal(t, "first", replaced.All()[0].ContextMap()["prior_key"])
}

func TestManagerCurrentResolves(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	ctx, reqCtx := manager.Enter(context.Background(), "req-1")

	assert.Same(t, reqCtx, manager.Current(ctx))
}

func TestManagerCurrentWithoutEnter(t *testing.T) {
	manager, logs := newTestManager(t, clockz.RealClock)

	detached := manager.Current(context.Background())

	require.NotNil(t, detached)
	assert.True(t, strings.HasPrefix(detached.Identifier(), "detached-"))
	assert.Equal(t, 1, logs.FilterMessage("no active context, returning detached context").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(manager.metrics.detached))
}

func TestManagerCurrentAfterRelease(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	ctx, _ := manager.Enter(context.Background(), "req-1")
	handle, ok := manager.Handle(ctx)
	require.True(t, ok)
	handle.Release()

	detached := manager.Current(ctx)
	assert.True(t, strings.HasPrefix(detached.Identifier(), "detached-"))
}

func TestManagerLookupErrors(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	_, err := manager.Lookup(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveContext)

	ctx, _ := manager.Enter(context.Background(), "req-1")
	handle, _ := manager.Handle(ctx)
	handle.Release()

	_, err = manager.Lookup(ctx)
	assert.ErrorIs(t, err, ErrContextReleased)
}

func TestManagerHandleWithoutEnter(t *testing.T) {
	manager, logs := newTestManager(t, clockz.RealClock)

	handle, ok := manager.Handle(context.Background())
	assert.False(t, ok)
	assert.Nil(t, handle)
	assert.Equal(t, 1, logs.FilterMessage("no active key on context").Len())
}

func TestManagerReleaseCascadesToDerivedKeys(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	rootCtx, _ := manager.Enter(context.Background(), "req-1")
	derivedCtx, _ := manager.Enter(context.Background(), "req-1")

	handle, ok := manager.Handle(rootCtx)
	require.True(t, ok)
	handle.Release()

	_, ok = manager.Store().Find("req-1")
	assert.False(t, ok)
	derivedKey, _ := ActiveKey(derivedCtx)
	_, ok = manager.Store().Find(derivedKey)
	assert.False(t, ok, "derived key must be removed with its base")

	_, err := manager.Lookup(derivedCtx)
	assert.ErrorIs(t, err, ErrContextReleased)
}

func TestManagerDerivedHandleReleasesIndependently(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	manager.Enter(context.Background(), "req-1")
	derivedCtx, _ := manager.Enter(context.Background(), "req-1")

	handle, ok := manager.Handle(derivedCtx)
	require.True(t, ok)
	handle.Release()

	// Releasing the derived key leaves the base registered.
	derivedKey, _ := ActiveKey(derivedCtx)
	_, ok = manager.Store().Find(derivedKey)
	assert.False(t, ok)
	_, ok = manager.Store().Find("req-1")
	assert.True(t, ok)
}

func TestManagerSharedSpansAcrossParticipants(t *testing.T) {
	fakeClock := clockz.NewFakeClock()
	manager, _ := newTestManager(t, fakeClock)

	_, first := manager.Enter(context.Background(), "req-1")
	_, second := manager.Enter(context.Background(), "req-1")

	timer := first.NewRecorder("shared_work")
	timer.Start()
	fakeClock.Advance(2500 * time.Microsecond)
	timer.End()

	report := second.Report()
	assert.Contains(t, report, "[shared_work: 2.500(ms)]")
}

func TestManagerConcurrentEnterSameIdentifier(t *testing.T) {
	manager, _ := newTestManager(t, clockz.RealClock)

	const participants = 10

	var wg sync.WaitGroup
	contexts := make([]*Context, participants)
	for i := 0; i < participants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, reqCtx := manager.Enter(context.Background(), "req")
			contexts[n] = reqCtx
		}(i)
	}
	wg.Wait()

	for i := 1; i < participants; i++ {
		assert.Same(t, contexts[0], contexts[i], "all participants must share one Context")
	}
	assert.Equal(t, float64(participants-1), testutil.ToFloat64(manager.metrics.collisions))
}

func TestManagerActiveKeyAbsent(t *testing.T) {
	_, ok := ActiveKey(context.Background())
	assert.False(t, ok)

	_, ok = ActiveKey(nil) //nolint:staticcheck // nil tolerance is part of the contract
	assert.False(t, ok)
}
