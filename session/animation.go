package session

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type Pose struct {
	Position  mgl32.Vec3
	Up        mgl32.Vec3
	Direction mgl32.Vec3
}

func DefaultPose() Pose {
	return Pose{
		Position:  mgl32.Vec3{0, 0, 0},
		Up:        mgl32.Vec3{0, 1, 0},
		Direction: mgl32.Vec3{0.1, 0, 1},
	}
}

// PoseAt bobs the camera vertically: its y position is sin(t).
func PoseAt(t float64) Pose {
	pose := DefaultPose()
	pose.Position[1] = float32(math.Sin(t))
	return pose
}

// MeshColorsAt drives the red channel of vertex 0 with sin(t) and of vertex 3 with
// cos(t). The rest of base is copied unchanged.
func MeshColorsAt(base []mgl32.Vec4, t float64) []mgl32.Vec4 {
	colors := append([]mgl32.Vec4(nil), base...)
	if len(colors) > 0 {
		colors[0][0] = float32(math.Sin(t))
	}
	if len(colors) > 3 {
		colors[3][0] = float32(math.Cos(t))
	}
	return colors
}
