package session

import (
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
)

// Mesh is an indexed triangle mesh with one color per vertex.
type Mesh struct {
	Positions []mgl32.Vec3
	Colors    []mgl32.Vec4
	Indices   [][3]uint32
}

func (m Mesh) Validate() error {
	if len(m.Positions) == 0 {
		return errors.New("mesh has no vertices")
	}
	if len(m.Colors) != len(m.Positions) {
		return errors.Newf("mesh has %d colors for %d vertices", len(m.Colors), len(m.Positions))
	}
	if len(m.Indices) == 0 {
		return errors.New("mesh has no triangles")
	}
	for i, tri := range m.Indices {
		for _, idx := range tri {
			if int(idx) >= len(m.Positions) {
				return errors.Newf("triangle %d references vertex %d of %d", i, idx, len(m.Positions))
			}
		}
	}
	return nil
}
