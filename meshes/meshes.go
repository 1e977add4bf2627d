// Package meshes holds the tutorial's scene geometry as embedded OBJ files.
package meshes

import (
	"embed"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/g3n/engine/loader/obj"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/anari-examples/session"
)

//go:embed quad.obj quad.mtl
var fileSystem embed.FS

// quadColors are per-vertex colors for quad.obj, indexed by OBJ vertex. OBJ has no
// vertex colors, so they live here.
var quadColors = []mgl32.Vec4{
	{0.9, 0.5, 0.5, 1},
	{0.8, 0.8, 0.8, 1},
	{0.8, 0.8, 0.8, 1},
	{0.5, 0.9, 0.5, 1},
}

// Quad returns the tutorial mesh: four vertices and two triangles.
func Quad() (session.Mesh, error) {
	meshFile, err := fileSystem.Open("quad.obj")
	if err != nil {
		return session.Mesh{}, err
	}
	defer meshFile.Close()

	matFile, err := fileSystem.Open("quad.mtl")
	if err != nil {
		return session.Mesh{}, err
	}
	defer matFile.Close()

	return Decode(meshFile, matFile, quadColors)
}

type meshBuilder struct {
	decoder        *obj.Decoder
	colors         []mgl32.Vec4
	mesh           session.Mesh
	uniqueVertices map[int]uint32
}

// Decode reads an OBJ mesh, triangulating every face as a fan. colors is indexed by OBJ
// vertex; vertices without an entry take the diffuse color of their face's material.
func Decode(objReader, mtlReader io.Reader, colors []mgl32.Vec4) (session.Mesh, error) {
	decoder, err := obj.DecodeReader(objReader, mtlReader)
	if err != nil {
		return session.Mesh{}, errors.Wrap(err, "decode obj")
	}

	b := &meshBuilder{
		decoder:        decoder,
		colors:         colors,
		uniqueVertices: make(map[int]uint32),
	}

	for _, decodedObj := range decoder.Objects {
		for _, face := range decodedObj.Faces {
			if len(face.Vertices) < 3 {
				return session.Mesh{}, errors.Newf("object %s has a face with %d vertices", decodedObj.Name, len(face.Vertices))
			}
			for i := 2; i < len(face.Vertices); i++ {
				b.mesh.Indices = append(b.mesh.Indices, [3]uint32{
					b.addVertex(face, 0),
					b.addVertex(face, i-1),
					b.addVertex(face, i),
				})
			}
		}
	}

	if err := b.mesh.Validate(); err != nil {
		return session.Mesh{}, err
	}
	return b.mesh, nil
}

func (b *meshBuilder) addVertex(face obj.Face, faceIndex int) uint32 {
	vertInd := face.Vertices[faceIndex]
	index, vertexExists := b.uniqueVertices[vertInd]
	if vertexExists {
		return index
	}

	b.mesh.Positions = append(b.mesh.Positions, mgl32.Vec3{
		b.decoder.Vertices[vertInd*3],
		b.decoder.Vertices[vertInd*3+1],
		b.decoder.Vertices[vertInd*3+2],
	})

	color := mgl32.Vec4{0.8, 0.8, 0.8, 1}
	if vertInd < len(b.colors) {
		color = b.colors[vertInd]
	} else if mat, ok := b.decoder.Materials[face.Material]; ok {
		color = mgl32.Vec4{mat.Diffuse.R, mat.Diffuse.G, mat.Diffuse.B, 1}
	}
	b.mesh.Colors = append(b.mesh.Colors, color)

	index = uint32(len(b.mesh.Positions) - 1)
	b.uniqueVertices[vertInd] = index
	return index
}
