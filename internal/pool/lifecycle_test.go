package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewaycore/internal/types"
)

func TestStateMachineLegalPath(t *testing.T) {
	sm := NewStateMachine(nil)
	require.Equal(t, types.StateDisconnected, sm.State())

	require.NoError(t, sm.Transition(types.StateConnecting))
	require.NoError(t, sm.Transition(types.StateConnected))
	require.NoError(t, sm.Transition(types.StateReconnecting))
	require.NoError(t, sm.Transition(types.StateConnected))
	require.NoError(t, sm.Transition(types.StateDisconnected))
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	illegal := []struct {
		path []types.ConnectionState
		to   types.ConnectionState
	}{
		{nil, types.StateConnected},                                      // disconnected -> connected skips connecting
		{nil, types.StateReconnecting},                                   // disconnected -> reconnecting
		{nil, types.StateFailed},                                         // disconnected -> failed
		{[]types.ConnectionState{types.StateConnecting, types.StateConnected}, types.StateConnecting}, // connected -> connecting, never legal
		{[]types.ConnectionState{types.StateConnecting, types.StateFailed}, types.StateConnected},     // failed -> connected without reconnect
	}
	for _, tt := range illegal {
		sm := NewStateMachine(nil)
		for _, s := range tt.path {
			require.NoError(t, sm.Transition(s))
		}
		before := sm.State()
		err := sm.Transition(tt.to)
		require.Error(t, err, "%s -> %s must be rejected", before, tt.to)
		assert.Equal(t, before, sm.State(), "a rejected transition must not change state")
	}
}

func TestStateMachineNotifiesOnEveryLegalTransition(t *testing.T) {
	var seen []string
	sm := NewStateMachine(func(from, to types.ConnectionState) {
		seen = append(seen, fmt.Sprintf("%s->%s", from, to))
	})

	require.NoError(t, sm.Transition(types.StateConnecting))
	require.NoError(t, sm.Transition(types.StateFailed))
	_ = sm.Transition(types.StateConnected) // illegal, must not notify

	assert.Equal(t, []string{"disconnected->connecting", "connecting->failed"}, seen)
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 10}

	assert.Equal(t, time.Second, p.delayForAttempt(0))
	assert.Equal(t, 2*time.Second, p.delayForAttempt(1))
	assert.Equal(t, 4*time.Second, p.delayForAttempt(2))
	assert.Equal(t, 5*time.Second, p.delayForAttempt(3), "backoff must cap at MaxDelay")
	assert.Equal(t, 5*time.Second, p.delayForAttempt(8))
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}

	var calls int
	err := p.Reconnect(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestReconnectReturnsOnFirstSuccess(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond

	var calls int
	err := p.Reconnect(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return fmt.Errorf("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestReconnectHonoursCancellation(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Reconnect(ctx, func(ctx context.Context) error {
			return fmt.Errorf("down")
		})
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Reconnect must abort its backoff sleep when the context is cancelled")
	}
}
