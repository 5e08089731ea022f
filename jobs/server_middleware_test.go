package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-loadbalancing"
	"github.com/ice-blockchain/go-loadbalancing/jobs"
	"github.com/ice-blockchain/go-loadbalancing/pool"
	"github.com/ice-blockchain/go-loadbalancing/test_helpers"
)

const minimumDelay = 5 * time.Second

type execution struct {
	err        error
	called     bool
	usePrimary bool
}

func newServer(t *testing.T, clk *testclock.Clock, balancers ...pool.Balancer) *jobs.ServerMiddleware {
	t.Helper()

	return jobs.NewServerMiddleware(newWorkers(t), newBalancers(t, balancers...), jobs.ServerOpts{
		MinimumDelayInterval: minimumDelay,
		Clock:                clk,
	})
}

func perform(ctx context.Context, m *jobs.ServerMiddleware, worker string, job *jobs.Job) execution {
	var ret execution
	ret.err = m.Call(ctx, worker, job, func(ctx context.Context) error {
		ret.called = true
		ret.usePrimary = loadbalancing.SessionFromContext(ctx).UsingPrimary()
		return nil
	})
	return ret
}

func performAsync(ctx context.Context, m *jobs.ServerMiddleware, worker string, job *jobs.Job) <-chan execution {
	done := make(chan execution, 1)
	go func() {
		done <- perform(ctx, m, worker, job)
	}()
	return done
}

func waitExecution(t *testing.T, done <-chan execution) execution {
	t.Helper()

	select {
	case ret := <-done:
		return ret
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed")
	}
	return execution{}
}

func delayedJob(clk *testclock.Clock, location loadbalancing.WALLocation) *jobs.Job {
	job := jobs.NewJob("DelayedWorker")
	job.CreatedAt = clk.Now().Add(-2 * time.Second)
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": location}
	return job
}

func TestServerMiddlewareDelayedReplicaCatchesUp(t *testing.T) {
	clk := testclock.NewClock(epoch)

	var caughtUp atomic.Bool
	main := &test_helpers.MockBalancer{
		BalancerName: "main",
		CaughtUp: func(loadbalancing.WALLocation) bool {
			return caughtUp.Load()
		},
	}
	m := newServer(t, clk, main)
	job := delayedJob(clk, "0/3000060")

	done := performAsync(context.Background(), m, "DelayedWorker", job)

	require.NoError(t, clk.WaitAdvance(2*time.Second, time.Second, 1))
	select {
	case <-done:
		t.Fatal("job must wait for the rest of the delay interval")
	default:
	}

	caughtUp.Store(true)
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))

	ret := waitExecution(t, done)
	require.NoError(t, ret.err)
	require.True(t, ret.called)
	require.Falsef(t, ret.usePrimary, "the job reads from the replica")
	require.Equal(t, jobs.StrategyReplicaRetried, job.LoadBalancingStrategy)
	require.Equal(t, []loadbalancing.WALLocation{"0/3000060", "0/3000060"}, main.Checks())
}

func TestServerMiddlewareDelayedReplicaNeverCatchesUp(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)
	job := delayedJob(clk, "0/3000060")

	done := performAsync(context.Background(), m, "DelayedWorker", job)
	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))

	ret := waitExecution(t, done)
	require.False(t, ret.called)
	require.Equal(t, jobs.StrategyRetry, job.LoadBalancingStrategy)

	var notUpToDate *jobs.ReplicaNotUpToDateError
	require.ErrorAs(t, ret.err, &notUpToDate)
	require.Equal(t, "DelayedWorker", notUpToDate.Worker)
	require.Equal(t, job.JID, notUpToDate.JID)
	require.True(t, notUpToDate.Retryable())
}

func TestServerMiddlewareDelayedRetriedJobFallsBackToPrimary(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)

	job := jobs.NewJob("DelayedWorker")
	job.CreatedAt = clk.Now().Add(-time.Minute)
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}
	job.IncrementRetryCount()

	ret := perform(context.Background(), m, "DelayedWorker", job)
	require.NoError(t, ret.err)
	require.True(t, ret.called)
	require.True(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyPrimary, job.LoadBalancingStrategy)
}

func TestServerMiddlewareDelayedWithoutWaiting(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)

	job := jobs.NewJob("DelayedWorker")
	job.CreatedAt = clk.Now().Add(-time.Minute)
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}

	ret := perform(context.Background(), m, "DelayedWorker", job)
	require.Equal(t, jobs.StrategyRetry, job.LoadBalancingStrategy)
	require.False(t, ret.called)
	require.Lenf(t, main.Checks(), 1, "no recheck without a wait")
}

func TestServerMiddlewareCreatedInFuture(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)

	job := jobs.NewJob("DelayedWorker")
	job.CreatedAt = clk.Now().Add(time.Hour)
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}

	ret := perform(context.Background(), m, "DelayedWorker", job)
	require.Equal(t, jobs.StrategyRetry, job.LoadBalancingStrategy)
	require.False(t, ret.called)
	require.Lenf(t, main.Checks(), 1, "a skewed creation time is not waited for")
}

func TestServerMiddlewareDelayIgnoresCancellation(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)
	job := delayedJob(clk, "0/3000060")

	ctx, cancel := context.WithCancel(context.Background())
	done := performAsync(ctx, m, "DelayedWorker", job)

	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))
	cancel()
	select {
	case <-done:
		t.Fatal("the delay must not end on cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))
	ret := waitExecution(t, done)
	require.False(t, ret.called)
	require.Equal(t, jobs.StrategyRetry, job.LoadBalancingStrategy)

	var notUpToDate *jobs.ReplicaNotUpToDateError
	require.ErrorAsf(t, ret.err, &notUpToDate, "a cancelled job is still retried later")
}

func TestServerMiddlewareAlwaysUsesPrimary(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{
		BalancerName: "main",
		CaughtUp:     func(loadbalancing.WALLocation) bool { return true },
	}
	m := newServer(t, clk, main)

	job := jobs.NewJob("AlwaysWorker")
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}

	ret := perform(context.Background(), m, "AlwaysWorker", job)
	require.NoError(t, ret.err)
	require.True(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyPrimary, job.LoadBalancingStrategy)
	require.Emptyf(t, main.Checks(), "replicas are not checked")
}

func TestServerMiddlewareStickyWithoutLocations(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{BalancerName: "main"}
	m := newServer(t, clk, main)

	job := jobs.NewJob("StickyWorker")

	ret := perform(context.Background(), m, "StickyWorker", job)
	require.NoError(t, ret.err)
	require.True(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyPrimaryNoWAL, job.LoadBalancingStrategy)
}

func TestServerMiddlewareSticky(t *testing.T) {
	clk := testclock.NewClock(epoch)
	caughtUp := true
	main := &test_helpers.MockBalancer{
		BalancerName: "main",
		CaughtUp:     func(loadbalancing.WALLocation) bool { return caughtUp },
	}
	m := newServer(t, clk, main)

	job := jobs.NewJob("StickyWorker")
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}

	ret := perform(context.Background(), m, "StickyWorker", job)
	require.False(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyReplica, job.LoadBalancingStrategy)

	job.IncrementRetryCount()
	ret = perform(context.Background(), m, "StickyWorker", job)
	require.False(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyReplicaRetried, job.LoadBalancingStrategy)

	caughtUp = false
	ret = perform(context.Background(), m, "StickyWorker", job)
	require.NoError(t, ret.err)
	require.True(t, ret.usePrimary)
	require.Equalf(t, jobs.StrategyPrimary, job.LoadBalancingStrategy, "sticky jobs never wait")
}

func TestServerMiddlewareOuterSessionUsedPrimary(t *testing.T) {
	clk := testclock.NewClock(epoch)
	main := &test_helpers.MockBalancer{
		BalancerName: "main",
		CaughtUp:     func(loadbalancing.WALLocation) bool { return true },
	}
	m := newServer(t, clk, main)

	ctx, session := loadbalancing.NewSession(context.Background())
	session.UsePrimary()

	job := jobs.NewJob("StickyWorker")
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}

	ret := perform(ctx, m, "StickyWorker", job)
	require.True(t, ret.usePrimary)
	require.Equal(t, jobs.StrategyPrimary, job.LoadBalancingStrategy)
}

func TestServerMiddlewareClearsSession(t *testing.T) {
	clk := testclock.NewClock(epoch)
	m := newServer(t, clk)

	var inner *loadbalancing.Session
	errJob := errors.New("job failed")
	err := m.Call(context.Background(), "AlwaysWorker", jobs.NewJob("AlwaysWorker"), func(ctx context.Context) error {
		inner = loadbalancing.SessionFromContext(ctx)
		require.True(t, inner.UsingPrimary())
		return errJob
	})
	require.ErrorIs(t, err, errJob)
	require.NotNil(t, inner)
	require.Falsef(t, inner.UsingPrimary(), "the session is cleared after the job")
}

func TestServerMiddlewareMetrics(t *testing.T) {
	clk := testclock.NewClock(epoch)
	reg := prometheus.NewPedanticRegistry()
	main := &test_helpers.MockBalancer{
		BalancerName: "main",
		CaughtUp:     func(loadbalancing.WALLocation) bool { return true },
	}
	m := jobs.NewServerMiddleware(newWorkers(t), newBalancers(t, main), jobs.ServerOpts{
		Clock:      clk,
		Registerer: reg,
	})
	// A second middleware shares the registered counter.
	m2 := jobs.NewServerMiddleware(newWorkers(t), newBalancers(t, main), jobs.ServerOpts{
		Clock:      clk,
		Registerer: reg,
	})

	job := jobs.NewJob("StickyWorker")
	job.WALLocations = map[string]loadbalancing.WALLocation{"main": "0/3000060"}
	perform(context.Background(), m, "StickyWorker", job)
	perform(context.Background(), m2, "StickyWorker", job)
	perform(context.Background(), m, "AlwaysWorker", jobs.NewJob("AlwaysWorker"))

	expected := `
# HELP load_balancing_count Load balancing strategies chosen for executed jobs
# TYPE load_balancing_count counter
load_balancing_count{data_consistency="always",strategy="primary",worker="AlwaysWorker"} 1
load_balancing_count{data_consistency="sticky",strategy="replica",worker="StickyWorker"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "load_balancing_count"))
}
