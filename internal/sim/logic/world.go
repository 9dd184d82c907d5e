package logic

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// World is the physics the engine reacts to but never simulates.
type World interface {
	Position(block uuid.UUID) mgl64.Vec3
	Velocity(block uuid.UUID) mgl64.Vec3
	// Raycast reports the distance to the first hit along dir from the
	// block, up to maxDist.
	Raycast(block uuid.UUID, dir mgl64.Vec3, maxDist float64) (float64, bool)
}

// FlatWorld is a static world with a ground plane at y = Ground. Blocks sit
// where they were placed until moved.
type FlatWorld struct {
	Ground    float64
	positions map[uuid.UUID]mgl64.Vec3
	velocity  map[uuid.UUID]mgl64.Vec3
}

func NewFlatWorld() *FlatWorld {
	return &FlatWorld{
		positions: map[uuid.UUID]mgl64.Vec3{},
		velocity:  map[uuid.UUID]mgl64.Vec3{},
	}
}

func (w *FlatWorld) Place(block uuid.UUID, pos mgl64.Vec3) { w.positions[block] = pos }

func (w *FlatWorld) Remove(block uuid.UUID) {
	delete(w.positions, block)
	delete(w.velocity, block)
}

func (w *FlatWorld) SetVelocity(block uuid.UUID, v mgl64.Vec3) { w.velocity[block] = v }

func (w *FlatWorld) Position(block uuid.UUID) mgl64.Vec3 { return w.positions[block] }
func (w *FlatWorld) Velocity(block uuid.UUID) mgl64.Vec3 { return w.velocity[block] }

func (w *FlatWorld) Raycast(block uuid.UUID, dir mgl64.Vec3, maxDist float64) (float64, bool) {
	if dir.Len() == 0 {
		return 0, false
	}
	dir = dir.Normalize()
	if dir.Y() >= 0 {
		return 0, false
	}
	height := w.positions[block].Y() - w.Ground
	if height < 0 {
		return 0, true
	}
	d := height / -dir.Y()
	if d > maxDist || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}
