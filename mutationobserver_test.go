package qcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationObserverMutateReportsSuccessToListeners(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	o := NewMutationObserver(c, MutationOptions{
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return variables.(int) + 1, nil
		},
	})

	got := make(chan MutationResult, 4)
	o.Subscribe(func(r MutationResult) { got <- r })

	v, err := o.Mutate(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.Eventually(t, func() bool {
		return o.GetCurrentResult().Status == MutationSuccess
	}, time.Second, time.Millisecond)

	r := o.GetCurrentResult()
	assert.True(t, r.IsSuccess)
	assert.Equal(t, 42, r.Data)
}

func TestMutationObserverMutateReportsErrorToListeners(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	wantErr := errors.New("boom")
	o := NewMutationObserver(c, MutationOptions{
		Retry: RetryNever(),
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return nil, wantErr
		},
	})

	_, err := o.Mutate(context.Background(), nil)
	assert.Equal(t, wantErr, err)

	require.Eventually(t, func() bool {
		return o.GetCurrentResult().Status == MutationError
	}, time.Second, time.Millisecond)

	r := o.GetCurrentResult()
	assert.True(t, r.IsError)
	assert.Equal(t, wantErr, r.Error)
}

func TestMutationObserverResetDetachesAndReturnsToIdle(t *testing.T) {
	t.Parallel()

	c := newTestClient()
	o := NewMutationObserver(c, MutationOptions{
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return "done", nil
		},
	})

	_, err := o.Mutate(context.Background(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return o.GetCurrentResult().Status == MutationSuccess
	}, time.Second, time.Millisecond)

	o.Reset()

	r := o.GetCurrentResult()
	assert.True(t, r.IsIdle)
	assert.Equal(t, MutationIdle, r.Status)
}
