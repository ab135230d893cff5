package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordertask/errs"
)

func TestPoolDoReturnsTaskResult(t *testing.T) {
	p, err := NewPool(2, 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()

	boom := errors.New("boom")
	require.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return boom }), boom)
	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPoolRecoversPanics(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()

	err = p.Do(context.Background(), func(context.Context) error { panic("bad venue") })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestPoolReportsSaturation(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.ErrorIs(t, err, ErrSaturated)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

func TestPoolShutdownDrainsQueuedTasks(t *testing.T) {
	p, err := NewPool(1, 8)
	require.NoError(t, err)
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, int32(5), ran.Load())
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}
