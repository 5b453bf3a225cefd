package relayclient

import (
	"math"
	"time"

	"pixelverse-relay/protocol"
)

// BlendFactor is the share of the remaining distance a remote covers per
// rendered frame.
const BlendFactor = 0.15

// ReferenceFPS is the frame rate at which Advance matches Step exactly.
const ReferenceFPS = 60

// NormalizeAngle wraps angle to [-PI, PI]
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a > math.Pi {
		a -= 2 * math.Pi
	} else if a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// LerpAngle interpolates between two angles taking the short path
func LerpAngle(from, to, t float64) float64 {
	diff := NormalizeAngle(to - from)
	return NormalizeAngle(from + diff*t)
}

// LerpRotation applies LerpAngle to each Euler component.
func LerpRotation(from, to protocol.Vec3, t float64) protocol.Vec3 {
	return protocol.Vec3{
		X: LerpAngle(from.X, to.X, t),
		Y: LerpAngle(from.Y, to.Y, t),
		Z: LerpAngle(from.Z, to.Z, t),
	}
}

// FrameBlend converts an elapsed frame time into a blend factor, so that
// motion converges at the same wall-clock rate regardless of frame rate.
// One frame at ReferenceFPS yields BlendFactor.
func FrameBlend(dt time.Duration) float64 {
	if dt <= 0 {
		return 0
	}
	frames := dt.Seconds() * ReferenceFPS
	return 1 - math.Pow(1-BlendFactor, frames)
}

func (r *Remote) step(t float64) {
	r.Position = protocol.Lerp(r.Position, r.TargetPosition, t)
	r.Rotation = LerpRotation(r.Rotation, r.TargetRotation, t)
}

// Step advances every remote mirror by one fixed blend step.
func (c *Client) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.remotes {
		r.step(BlendFactor)
	}
}

// Advance moves every remote mirror toward its target for a frame that
// took dt.
func (c *Client) Advance(dt time.Duration) {
	t := FrameBlend(dt)
	if t == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.remotes {
		r.step(t)
	}
}
