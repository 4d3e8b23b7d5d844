// ABOUTME: Auto-scroll rule for the message pane
// ABOUTME: Scrolls to new content only when the viewer is already near the bottom

package consumer

// DefaultNearBottom is the distance in pixels from the bottom that still
// counts as "at the bottom".
const DefaultNearBottom = 100

// Viewport is the scroll geometry of the message pane.
type Viewport struct {
	ScrollHeight float64
	ScrollTop    float64
	ClientHeight float64
}

// ScrollPolicy decides whether to follow new content.
type ScrollPolicy struct {
	Threshold float64 // zero uses DefaultNearBottom
}

func (p ScrollPolicy) threshold() float64 {
	if p.Threshold <= 0 {
		return DefaultNearBottom
	}
	return p.Threshold
}

// NearBottom reports whether the remaining scroll distance is under the threshold.
func (p ScrollPolicy) NearBottom(scrollHeight, scrollTop, clientHeight float64) bool {
	return scrollHeight-scrollTop-clientHeight < p.threshold()
}

// ShouldAutoScroll reports whether appending messages should scroll v to
// the bottom. A nil viewport (nothing rendered yet) always scrolls.
func (p ScrollPolicy) ShouldAutoScroll(v *Viewport) bool {
	if v == nil {
		return true
	}
	return p.NearBottom(v.ScrollHeight, v.ScrollTop, v.ClientHeight)
}

// ShouldScrollForTyping reports whether the typing indicator appearing
// should scroll v. Hiding the indicator never scrolls.
func (p ScrollPolicy) ShouldScrollForTyping(typing bool, v *Viewport) bool {
	return typing && p.ShouldAutoScroll(v)
}
