// ABOUTME: Tests for the connection status state machine
// ABOUTME: Covers allowed and rejected transitions, signal mapping and observers

package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTracker_StartsConnecting(t *testing.T) {
	assert.Equal(t, StatusConnecting, NewStatusTracker().Status())
}

func TestStatusTracker_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		from    []Signal // signals applied to reach the start state
		signal  Signal
		want    Status
		wantErr bool
	}{
		{name: "connecting to connected", signal: SignalConnected, want: StatusConnected},
		{name: "connecting to disconnected", signal: SignalDisconnected, want: StatusDisconnected},
		{name: "connected to disconnected", from: []Signal{SignalConnected}, signal: SignalDisconnected, want: StatusDisconnected},
		{name: "disconnected to connecting", from: []Signal{SignalDisconnected}, signal: SignalConnecting, want: StatusConnecting},
		{name: "unavailable maps to disconnected", from: []Signal{SignalConnected}, signal: SignalUnavailable, want: StatusDisconnected},
		{name: "failed maps to disconnected", signal: SignalFailed, want: StatusDisconnected},
		{name: "connected to connecting rejected", from: []Signal{SignalConnected}, signal: SignalConnecting, want: StatusConnected, wantErr: true},
		{name: "disconnected to connected rejected", from: []Signal{SignalDisconnected}, signal: SignalConnected, want: StatusDisconnected, wantErr: true},
		{name: "unknown signal rejected", signal: Signal("exploded"), want: StatusConnecting, wantErr: true},
		{name: "same state is a no-op", from: []Signal{SignalDisconnected}, signal: SignalFailed, want: StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewStatusTracker()
			for _, s := range tt.from {
				require.NoError(t, tracker.Apply(s))
			}

			err := tracker.Apply(tt.signal)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, tracker.Status())
		})
	}
}

func TestStatusTracker_Observers(t *testing.T) {
	tracker := NewStatusTracker()

	type change struct{ from, to Status }
	var seen []change
	tracker.Observe(func(from, to Status) {
		seen = append(seen, change{from, to})
	})

	require.NoError(t, tracker.Apply(SignalConnected))
	require.NoError(t, tracker.Apply(SignalUnavailable))
	require.NoError(t, tracker.Apply(SignalFailed)) // no change, no notification
	require.NoError(t, tracker.Apply(SignalConnecting))
	require.Error(t, tracker.Apply(SignalConnecting+"x"))

	assert.Equal(t, []change{
		{StatusConnecting, StatusConnected},
		{StatusConnected, StatusDisconnected},
		{StatusDisconnected, StatusConnecting},
	}, seen)
}
