package playback

import (
	"sync"
	"time"
)

// DefaultGateMargin is added after the projected end of playback before the
// microphone is released.
const DefaultGateMargin = 200 * time.Millisecond

// MicGate withholds outbound microphone audio while the assistant is
// audible. It projects when queued playback ends and stays closed until
// that moment plus a margin.
type MicGate struct {
	mu        sync.Mutex
	margin    time.Duration
	end       time.Time
	held      bool
	timer     *time.Timer
	gen       uint64
	onRelease func()
}

// NewMicGate returns an open gate. onRelease, if set, runs on its own
// goroutine when a projected window elapses.
func NewMicGate(margin time.Duration, onRelease func()) *MicGate {
	if margin < 0 {
		margin = 0
	}
	return &MicGate{margin: margin, onRelease: onRelease}
}

// Extend pushes the projected end out by d. An already elapsed projection
// restarts from now.
func (g *MicGate) Extend(now time.Time, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.end.Before(now) {
		g.end = now.Add(d)
	} else {
		g.end = g.end.Add(d)
	}
	g.armLocked(now)
}

func (g *MicGate) armLocked(now time.Time) {
	if g.timer != nil {
		g.timer.Stop()
	}
	g.gen++
	gen := g.gen
	wait := g.end.Add(g.margin).Sub(now)
	g.timer = time.AfterFunc(wait, func() {
		g.mu.Lock()
		current := gen == g.gen
		g.mu.Unlock()
		if current && g.onRelease != nil {
			g.onRelease()
		}
	})
}

// Hold keeps the gate closed regardless of the projection until Release.
func (g *MicGate) Hold() {
	g.mu.Lock()
	g.held = true
	g.mu.Unlock()
}

// Release drops a Hold; any projected window still applies.
func (g *MicGate) Release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

// Suppressed reports whether mic audio must be withheld at now.
func (g *MicGate) Suppressed(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return true
	}
	if g.end.IsZero() {
		return false
	}
	return now.Before(g.end.Add(g.margin))
}

// End is the projected end of playback; zero after Reset.
func (g *MicGate) End() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.end
}

// Reset zeroes the projection, drops any hold and cancels the release timer.
func (g *MicGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.end = time.Time{}
	g.held = false
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
