package meshes

import (
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuad(t *testing.T) {
	mesh, err := Quad()
	require.NoError(t, err)

	assert.Equal(t, []mgl32.Vec3{{-1, -1, 3}, {-1, 1, 3}, {1, -1, 3}, {1, 1, 3}}, mesh.Positions)
	assert.Equal(t, [][3]uint32{{0, 1, 2}, {1, 2, 3}}, mesh.Indices)
	assert.Equal(t, quadColors, mesh.Colors)
}

func TestDecodeTriangulatesAndFallsBackToMaterial(t *testing.T) {
	const square = `o square
v 0 0 1
v 1 0 1
v 1 1 1
v 0 1 1
usemtl blue
f 1 2 3 4
`
	const mtl = `newmtl blue
Kd 0 0 1
`
	mesh, err := Decode(strings.NewReader(square), strings.NewReader(mtl), []mgl32.Vec4{{1, 0, 0, 1}})
	require.NoError(t, err)

	assert.Equal(t, [][3]uint32{{0, 1, 2}, {0, 2, 3}}, mesh.Indices)
	require.Len(t, mesh.Colors, 4)
	assert.Equal(t, mgl32.Vec4{1, 0, 0, 1}, mesh.Colors[0])
	assert.Equal(t, mgl32.Vec4{0, 0, 1, 1}, mesh.Colors[3])
}
