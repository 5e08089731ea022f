package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-loadbalancing/queue"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type takeResult struct {
	task *queue.Task
	err  error
}

func takeAsync(take func() (*queue.Task, error)) <-chan takeResult {
	done := make(chan takeResult, 1)
	go func() {
		task, err := take()
		done <- takeResult{task: task, err: err}
	}()
	return done
}

func TestQueue_Name(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})
	require.Equal(t, "jobs", q.Name())
	require.Equal(t, queue.RunningState, q.State())
}

func TestQueue_PutTakeAck(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	task, err := q.Put([]byte("first"))
	require.NoError(t, err)
	require.True(t, task.IsReady())

	_, err = q.Put(nil)
	require.ErrorIs(t, err, queue.ErrEmptyData)

	task, err = q.Take(context.Background())
	require.NoError(t, err)
	require.True(t, task.IsTaken())
	require.Equal(t, []byte("first"), task.Data())

	require.NoError(t, task.Ack())
	require.True(t, task.IsDone())
	require.ErrorIsf(t, task.Ack(), queue.ErrTaskNotFound, "a task is acked once")

	stat := q.Statistic()
	require.Equal(t, uint64(1), stat.Tasks.Done)
	require.Equal(t, uint64(0), stat.Tasks.Total)
	require.Equal(t, uint64(1), stat.Calls["put"])
	require.Equal(t, uint64(1), stat.Calls["take"])
}

func TestQueue_TakeOrder(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	_, err := q.PutWithOpts([]byte("low"), queue.Opts{Pri: 10})
	require.NoError(t, err)
	_, err = q.Put([]byte("a"))
	require.NoError(t, err)
	_, err = q.Put([]byte("b"))
	require.NoError(t, err)

	for _, expected := range []string{"a", "b", "low"} {
		task, err := q.TakeTimeout(time.Second)
		require.NoError(t, err)
		require.NotNil(t, task)
		require.Equal(t, expected, string(task.Data()))
	}
}

func TestQueue_TakeTimeout(t *testing.T) {
	clk := testclock.NewClock(epoch)
	q := queue.New("jobs", queue.Cfg{Clock: clk})

	done := takeAsync(func() (*queue.Task, error) {
		return q.TakeTimeout(time.Second)
	})

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	select {
	case ret := <-done:
		require.NoError(t, ret.err)
		require.Nilf(t, ret.task, "nil task on timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("take did not time out")
	}
}

func TestQueue_TakeWaitsForPut(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	done := takeAsync(func() (*queue.Task, error) {
		return q.Take(context.Background())
	})

	_, err := q.Put([]byte("job"))
	require.NoError(t, err)

	select {
	case ret := <-done:
		require.NoError(t, ret.err)
		require.Equal(t, "job", string(ret.task.Data()))
	case <-time.After(5 * time.Second):
		t.Fatal("task was not taken")
	}
}

func TestQueue_Delayed(t *testing.T) {
	clk := testclock.NewClock(epoch)
	q := queue.New("jobs", queue.Cfg{Clock: clk})

	task, err := q.PutWithOpts([]byte("later"), queue.Opts{Delay: time.Minute})
	require.NoError(t, err)
	require.True(t, task.IsDelayed())
	require.Equal(t, uint64(1), q.Statistic().Tasks.Delayed)

	done := takeAsync(func() (*queue.Task, error) {
		return q.Take(context.Background())
	})

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	select {
	case ret := <-done:
		require.NoError(t, ret.err)
		require.Equal(t, "later", string(ret.task.Data()))
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task was not taken")
	}
}

func TestQueue_TakeKeepsOneTimer(t *testing.T) {
	clk := testclock.NewClock(epoch)
	q := queue.New("jobs", queue.Cfg{Clock: clk})

	_, err := q.PutWithOpts([]byte("first"), queue.Opts{Delay: time.Minute})
	require.NoError(t, err)

	done := takeAsync(func() (*queue.Task, error) {
		return q.Take(context.Background())
	})
	require.NoError(t, clk.WaitAdvance(0, time.Second, 1))

	for i := 2; i <= 4; i++ {
		_, err := q.PutWithOpts([]byte("later"), queue.Opts{Delay: time.Duration(i) * time.Minute})
		require.NoError(t, err)
	}

	require.NoErrorf(t, clk.WaitAdvance(time.Minute, time.Second, 1), "a blocked take waits on a single timer")
	select {
	case ret := <-done:
		require.NoError(t, ret.err)
		require.Equal(t, "first", string(ret.task.Data()))
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task was not taken")
	}
}

func TestQueue_ReleaseAndReschedule(t *testing.T) {
	clk := testclock.NewClock(epoch)
	q := queue.New("jobs", queue.Cfg{Clock: clk})

	_, err := q.Put([]byte("v1"))
	require.NoError(t, err)

	task, err := q.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, task.Release())
	require.True(t, task.IsReady())
	require.ErrorIsf(t, task.Release(), queue.ErrTaskNotTaken, "only taken tasks are released")

	task, err = q.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, task.Reschedule([]byte("v2"), time.Second))
	require.True(t, task.IsDelayed())
	require.Equal(t, []byte("v2"), task.Data())

	peeked, err := q.Peek(task.Id())
	require.NoError(t, err)
	require.True(t, peeked.IsDelayed())
	require.Equal(t, []byte("v2"), peeked.Data())

	clk.Advance(time.Second)
	task, err = q.TakeTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), task.Data())
}

func TestQueue_BuryKick(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	for _, data := range []string{"a", "b", "c"} {
		_, err := q.Put([]byte(data))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		task, err := q.Take(context.Background())
		require.NoError(t, err)
		require.NoError(t, task.Bury())
		require.True(t, task.IsBuried())
	}
	require.Equal(t, uint64(3), q.Statistic().Tasks.Buried)

	kicked, err := q.Kick(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), kicked)

	stat := q.Statistic()
	require.Equal(t, uint64(1), stat.Tasks.Buried)
	require.Equal(t, uint64(2), stat.Tasks.Ready)

	task, err := q.Take(context.Background())
	require.NoError(t, err)
	require.Equalf(t, "a", string(task.Data()), "tasks are kicked oldest first")
}

func TestQueue_DeleteAndReleaseAll(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	first, err := q.Put([]byte("a"))
	require.NoError(t, err)
	_, err = q.Put([]byte("b"))
	require.NoError(t, err)

	require.NoError(t, q.Delete(first.Id()))
	require.ErrorIs(t, q.Delete(first.Id()), queue.ErrTaskNotFound)
	_, err = q.Peek(first.Id())
	require.ErrorIs(t, err, queue.ErrTaskNotFound)

	_, err = q.Take(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), q.Statistic().Tasks.Taken)

	require.NoError(t, q.ReleaseAll())
	stat := q.Statistic()
	require.Equal(t, uint64(0), stat.Tasks.Taken)
	require.Equal(t, uint64(1), stat.Tasks.Ready)
}

func TestQueue_Close(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	done := takeAsync(func() (*queue.Task, error) {
		return q.Take(context.Background())
	})

	q.Close()
	q.Close()
	require.Equal(t, queue.EndingState, q.State())

	select {
	case ret := <-done:
		require.ErrorIs(t, ret.err, queue.ErrQueueEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("take was not interrupted")
	}

	_, err := q.Put([]byte("a"))
	require.ErrorIs(t, err, queue.ErrQueueEnded)
}

func TestQueue_TakeCanceled(t *testing.T) {
	q := queue.New("jobs", queue.Cfg{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Take(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "RUNNING", queue.RunningState.String())
	require.Equal(t, "ENDING", queue.EndingState.String())
	require.Equal(t, "UNKNOWN", queue.State(42).String())
}
