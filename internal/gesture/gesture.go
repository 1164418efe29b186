// Package gesture turns pointer down/move/up samples into swipe directions.
package gesture

import (
	"math"
	"time"
)

// Direction is a recognized swipe.
type Direction int

const (
	None Direction = iota
	Left
	Right
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "none"
	}
}

// Config gates recognition. Zero fields take the defaults.
type Config struct {
	// Threshold is the minimum dominant-axis displacement in pixels.
	Threshold float64
	// Velocity is the minimum dominant-axis speed in pixels per millisecond.
	Velocity float64
}

// DefaultConfig returns a 50px threshold and 0.3px/ms velocity.
func DefaultConfig() Config {
	return Config{Threshold: 50, Velocity: 0.3}
}

// Handlers are invoked when the matching swipe fires. Any may be nil.
type Handlers struct {
	OnSwipeLeft  func()
	OnSwipeRight func()
	OnSwipeUp    func()
	OnSwipeDown  func()
}

// Recognizer tracks a single pointer. It is not safe for concurrent use.
type Recognizer struct {
	cfg      Config
	handlers Handlers

	tracking     bool
	startX       float64
	startY       float64
	startAt      time.Time
	lastX, lastY float64
}

// New creates a recognizer.
func New(cfg Config, h Handlers) *Recognizer {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Velocity <= 0 {
		cfg.Velocity = def.Velocity
	}
	return &Recognizer{cfg: cfg, handlers: h}
}

// PointerDown starts tracking at (x, y).
func (r *Recognizer) PointerDown(x, y float64, at time.Time) {
	r.tracking = true
	r.startX, r.startY = x, y
	r.lastX, r.lastY = x, y
	r.startAt = at
}

// PointerMove records the latest position. Ignored when not tracking.
func (r *Recognizer) PointerMove(x, y float64) {
	if !r.tracking {
		return
	}
	r.lastX, r.lastY = x, y
}

// PointerUp ends the gesture and returns the swipe that fired, if any.
// Tracking is reset whether or not a swipe fired.
func (r *Recognizer) PointerUp(x, y float64, at time.Time) Direction {
	if !r.tracking {
		return None
	}
	r.lastX, r.lastY = x, y
	dir := r.classify(at)
	r.reset()

	switch dir {
	case Left:
		call(r.handlers.OnSwipeLeft)
	case Right:
		call(r.handlers.OnSwipeRight)
	case Up:
		call(r.handlers.OnSwipeUp)
	case Down:
		call(r.handlers.OnSwipeDown)
	}
	return dir
}

// Cancel drops the current gesture without firing.
func (r *Recognizer) Cancel() {
	r.reset()
}

func (r *Recognizer) classify(at time.Time) Direction {
	dx := r.lastX - r.startX
	dy := r.lastY - r.startY
	elapsed := float64(at.Sub(r.startAt)) / float64(time.Millisecond)
	if elapsed <= 0 {
		return None
	}

	horizontal := math.Abs(dx) >= math.Abs(dy)
	dist := math.Abs(dy)
	if horizontal {
		dist = math.Abs(dx)
	}
	if dist <= r.cfg.Threshold || dist/elapsed <= r.cfg.Velocity {
		return None
	}

	if horizontal {
		if dx < 0 {
			return Left
		}
		return Right
	}
	if dy < 0 {
		return Up
	}
	return Down
}

func (r *Recognizer) reset() {
	r.tracking = false
	r.startX, r.startY, r.lastX, r.lastY = 0, 0, 0, 0
	r.startAt = time.Time{}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
