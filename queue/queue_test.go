package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaban/showsound/internal/testutil"
)

func TestQueue_Enqueue_And_Close(t *testing.T) {
	q := New(8)
	q.Start()
	defer q.Close()

	var count int64
	for i := 0; i < 10; i++ {
		err := q.Enqueue(Func(func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) == 10 },
		time.Second, 5*time.Millisecond)
}

func TestQueue_PreservesOrder(t *testing.T) {
	q := New(64)
	q.Start()
	defer q.Close()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, q.Go(func() { got = append(got, i) }))
	}
	require.NoError(t, q.RunSync(func(context.Context) error { return nil }))

	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestQueue_RunSyncReturnsError(t *testing.T) {
	q := New(4)
	q.Start()
	defer q.Close()

	boom := errors.New("boom")
	err := q.RunSync(func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestQueue_EnqueuedErrorsReachHandler(t *testing.T) {
	errs := make(chan error, 1)
	q := New(4, WithErrorHandler(func(err error) { errs <- err }))
	q.Start()
	defer q.Close()

	boom := errors.New("boom")
	require.NoError(t, q.Enqueue(Func(func(context.Context) error { return boom })))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(4)
	q.Start()
	q.Close()

	require.ErrorIs(t, q.Go(func() {}), ErrClosed)
	require.ErrorIs(t, q.RunSync(func(context.Context) error { return nil }), ErrClosed)
}

func TestQueue_LogsSlowOps(t *testing.T) {
	logger, logs := testutil.Logger()
	q := New(4, WithLogger(logger), WithSlowOpThreshold(10*time.Millisecond))
	q.Start()
	defer q.Close()

	require.NoError(t, q.RunSync(func(context.Context) error { return nil }))
	require.NotContains(t, logs.String(), "exceeded target duration")

	require.NoError(t, q.RunSync(func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}))
	require.Contains(t, logs.String(), "queue op exceeded target duration")
	require.Contains(t, logs.String(), "target=10ms")
}
