// ABOUTME: Tests for the auto-scroll policy
// ABOUTME: Checks the near-bottom threshold for messages and the typing indicator

package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrollPolicy_NearBottom(t *testing.T) {
	tests := []struct {
		name         string
		scrollHeight float64
		scrollTop    float64
		clientHeight float64
		want         bool
	}{
		{name: "at bottom", scrollHeight: 1000, scrollTop: 600, clientHeight: 400, want: true},
		{name: "99px away", scrollHeight: 1000, scrollTop: 501, clientHeight: 400, want: true},
		{name: "exactly 100px away", scrollHeight: 1000, scrollTop: 500, clientHeight: 400, want: false},
		{name: "scrolled up", scrollHeight: 3000, scrollTop: 0, clientHeight: 400, want: false},
		{name: "content shorter than pane", scrollHeight: 200, scrollTop: 0, clientHeight: 400, want: true},
	}

	var p ScrollPolicy
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.NearBottom(tt.scrollHeight, tt.scrollTop, tt.clientHeight))
		})
	}
}

func TestScrollPolicy_CustomThreshold(t *testing.T) {
	p := ScrollPolicy{Threshold: 10}
	assert.True(t, p.NearBottom(1000, 591, 400))
	assert.False(t, p.NearBottom(1000, 500, 400))
}

func TestScrollPolicy_ShouldAutoScroll(t *testing.T) {
	var p ScrollPolicy

	assert.True(t, p.ShouldAutoScroll(nil))
	assert.True(t, p.ShouldAutoScroll(&Viewport{ScrollHeight: 1000, ScrollTop: 580, ClientHeight: 400}))
	assert.False(t, p.ShouldAutoScroll(&Viewport{ScrollHeight: 1000, ScrollTop: 100, ClientHeight: 400}))
}

func TestScrollPolicy_ShouldScrollForTyping(t *testing.T) {
	var p ScrollPolicy
	bottom := &Viewport{ScrollHeight: 1000, ScrollTop: 600, ClientHeight: 400}
	up := &Viewport{ScrollHeight: 1000, ScrollTop: 0, ClientHeight: 400}

	assert.True(t, p.ShouldScrollForTyping(true, bottom))
	assert.False(t, p.ShouldScrollForTyping(false, bottom))
	assert.False(t, p.ShouldScrollForTyping(true, up))
}
