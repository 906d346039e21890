package qcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutationExecuteSuccessSequence(t *testing.T) {
	t.Parallel()

	var onMutateCalled, onSuccessCalled, onSettledCalled bool
	m := newMutation("id-1", nil, MutationOptions{
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return variables.(int) * 2, nil
		},
		OnMutate: func(variables interface{}) (interface{}, error) {
			onMutateCalled = true
			return "ctx-value", nil
		},
		OnSuccess: func(data, variables, context interface{}) {
			onSuccessCalled = true
			assert.Equal(t, 10, data)
			assert.Equal(t, "ctx-value", context)
		},
		OnSettled: func(data interface{}, err error, variables, context interface{}) {
			onSettledCalled = true
			assert.NoError(t, err)
		},
	})

	v, err := m.Execute(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.True(t, onMutateCalled)
	assert.True(t, onSuccessCalled)
	assert.True(t, onSettledCalled)
	assert.Equal(t, MutationSuccess, m.Status())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done() must be closed once Execute returns")
	}
}

func TestMutationExecuteErrorSequence(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("write failed")
	var onErrorCalled bool
	m := newMutation("id-2", nil, MutationOptions{
		Retry: RetryNever(),
		MutationFn: func(ctx context.Context, variables interface{}) (interface{}, error) {
			return nil, wantErr
		},
		OnError: func(err error, variables, context interface{}) {
			onErrorCalled = true
			assert.Equal(t, wantErr, err)
		},
	})

	_, err := m.Execute(context.Background(), nil)
	assert.Equal(t, wantErr, err)
	assert.True(t, onErrorCalled)
	assert.Equal(t, MutationError, m.Status())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done() must be closed even on the error path")
	}
}

func TestMutationSetStateAppliesExternalPatch(t *testing.T) {
	t.Parallel()

	m := newMutation("id-3", nil, MutationOptions{})
	m.SetState(MutationState{Status: MutationError, IsPaused: true})

	s := m.State()
	assert.Equal(t, MutationError, s.Status)
	assert.True(t, s.IsPaused)
}
