package qcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryerSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) { return "ok", nil },
	})
	<-r.Done()
	v, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRetryerRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts int32
	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
		Retry:      RetryCount(5),
		RetryDelay: RetryDelayConstant(time.Millisecond),
	})
	<-r.Done()
	v, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetryerGivesUpAfterRetryPredicateFails(t *testing.T) {
	t.Parallel()

	r := NewRetryer(RetryerConfig{
		Fn:         func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") },
		Retry:      RetryNever(),
		RetryDelay: RetryDelayConstant(time.Millisecond),
	})
	<-r.Done()
	_, err := r.Result()
	assert.EqualError(t, err, "boom")
}

func TestRetryerPausesWhileOffline(t *testing.T) {
	t.Parallel()

	var online int32 // 0 = offline, 1 = online
	paused := make(chan struct{}, 1)
	continued := make(chan struct{}, 1)

	r := NewRetryer(RetryerConfig{
		Fn:          func(ctx context.Context) (interface{}, error) { return "ok", nil },
		NetworkMode: NetworkOnline,
		IsOnline:    func() bool { return atomic.LoadInt32(&online) == 1 },
		OnPause:     func() { paused <- struct{}{} },
		OnContinue:  func() { continued <- struct{}{} },
	})

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatal("expected retryer to pause while offline")
	}

	select {
	case <-r.Done():
		t.Fatal("retryer must not complete while paused")
	case <-time.After(20 * time.Millisecond):
	}

	atomic.StoreInt32(&online, 1)
	r.Continue()

	select {
	case <-continued:
	case <-time.After(time.Second):
		t.Fatal("expected retryer to continue once online")
	}

	<-r.Done()
	v, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRetryerCancelAbortsInFlightAttempt(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	<-started
	r.Cancel(CancelOptions{})

	<-r.Done()
	_, err := r.Result()
	assert.True(t, IsCancelled(err))
}

func TestRetryerCancelRetryLetsInFlightAttemptSettle(t *testing.T) {
	t.Parallel()

	r := NewRetryer(RetryerConfig{
		Fn: func(ctx context.Context) (interface{}, error) {
			time.Sleep(10 * time.Millisecond)
			return "settled", nil
		},
	})
	r.CancelRetry()
	<-r.Done()
	v, err := r.Result()
	require.NoError(t, err)
	assert.Equal(t, "settled", v)
}

func TestDefaultRetryDelayBacksOffExponentiallyAndCaps(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, DefaultRetryDelay(0, nil))
	assert.Equal(t, 2*time.Second, DefaultRetryDelay(1, nil))
	assert.Equal(t, 4*time.Second, DefaultRetryDelay(2, nil))
	assert.Equal(t, 30*time.Second, DefaultRetryDelay(20, nil), "must cap at 30s")
}
