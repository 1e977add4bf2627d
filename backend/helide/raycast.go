package helide

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/vkngwrapper/anari-examples/backend"
)

const epsilon = 1e-7

type ray struct {
	origin    mgl32.Vec3
	direction mgl32.Vec3
}

type cameraBasis struct {
	origin mgl32.Vec3
	dir00  mgl32.Vec3
	du, dv mgl32.Vec3
}

func (c cameraState) basis() cameraBasis {
	dir := c.direction.Normalize()
	up := c.up
	if dir.Cross(up).Len() < epsilon {
		up = mgl32.Vec3{0, 0, 1}
		if dir.Cross(up).Len() < epsilon {
			up = mgl32.Vec3{1, 0, 0}
		}
	}

	imgPlaneHeight := 2 * float32(math.Tan(float64(c.fovy)/2))
	imgPlaneWidth := imgPlaneHeight * c.aspect

	du := dir.Cross(up).Normalize()
	dv := du.Cross(dir).Normalize()
	du = du.Mul(imgPlaneWidth)
	dv = dv.Mul(imgPlaneHeight)

	return cameraBasis{
		origin: c.position,
		dir00:  dir.Sub(du.Mul(0.5)).Sub(dv.Mul(0.5)),
		du:     du,
		dv:     dv,
	}
}

// ray returns the primary ray through normalized screen coordinates; v grows upward.
func (b cameraBasis) ray(u, v float32) ray {
	return ray{
		origin:    b.origin,
		direction: b.dir00.Add(b.du.Mul(u)).Add(b.dv.Mul(v)).Normalize(),
	}
}

// intersect is Möller-Trumbore; u and v weight the second and third vertex.
func intersect(r ray, a, b, c mgl32.Vec3) (t, u, v float32, hit bool) {
	e1 := b.Sub(a)
	e2 := c.Sub(a)
	p := r.direction.Cross(e2)
	det := e1.Dot(p)
	if det > -epsilon && det < epsilon {
		return 0, 0, 0, false
	}
	inv := 1 / det

	s := r.origin.Sub(a)
	u = s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.direction.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * inv
	if t <= epsilon {
		return 0, 0, 0, false
	}
	return t, u, v, true
}

type hitRecord struct {
	t         float32
	u, v      float32
	surface   int
	primitive uint32
}

func (s *sceneSnapshot) trace(r ray) (hitRecord, bool) {
	best := hitRecord{t: float32(math.Inf(1))}
	found := false
	for si := range s.surfaces {
		mesh := &s.surfaces[si].mesh
		for pi, tri := range mesh.indices {
			t, u, v, hit := intersect(r, mesh.positions[tri[0]], mesh.positions[tri[1]], mesh.positions[tri[2]])
			if hit && t < best.t {
				best = hitRecord{t: t, u: u, v: v, surface: si, primitive: uint32(pi)}
				found = true
			}
		}
	}
	return best, found
}

func (s *sceneSnapshot) shade(r ray, hit hitRecord) mgl32.Vec4 {
	surface := &s.surfaces[hit.surface]
	tri := surface.mesh.indices[hit.primitive]
	p0 := surface.mesh.positions[tri[0]]
	normal := surface.mesh.positions[tri[1]].Sub(p0).Cross(surface.mesh.positions[tri[2]].Sub(p0)).Normalize()

	albedo := surface.albedo
	if surface.albedoFromAttr {
		colors := surface.mesh.colors
		w := 1 - hit.u - hit.v
		albedo = colors[tri[0]].Mul(w).Add(colors[tri[1]].Mul(hit.u)).Add(colors[tri[2]].Mul(hit.v))
	}

	falloff := float32(math.Abs(float64(r.direction.Dot(normal))))
	light := s.ambient.Mul(0.2 + 0.8*falloff)
	return mgl32.Vec4{
		albedo[0] * light[0],
		albedo[1] * light[1],
		albedo[2] * light[2],
		1,
	}
}

func clamp01(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func linearToSRGB(v float32) uint8 {
	c := float64(clamp01(v))
	if c <= 0.0031308 {
		c *= 12.92
	} else {
		c = 1.055*math.Pow(c, 1/2.4) - 0.055
	}
	return uint8(c*255 + 0.5)
}

func (s *sceneSnapshot) renderRows(buffers map[string]*channelBuffer, y0, y1 uint32) {
	basis := s.camera.basis()
	color := buffers[backend.ChannelColor]
	primID := buffers[backend.ChannelPrimitiveID]
	objID := buffers[backend.ChannelObjectID]
	instID := buffers[backend.ChannelInstanceID]

	for y := y0; y < y1; y++ {
		v := (float32(y) + 0.5) / float32(s.height)
		for x := uint32(0); x < s.width; x++ {
			u := (float32(x) + 0.5) / float32(s.width)
			r := basis.ray(u, v)
			pixel := int(y)*int(s.width) + int(x)

			hit, found := s.trace(r)
			out := s.background
			primitive, objectID := backend.NoID, backend.NoID
			if found {
				out = s.shade(r, hit)
				primitive = hit.primitive
				objectID = s.surfaces[hit.surface].id
			}

			if color != nil {
				offset := pixel * 4
				color.data[offset] = linearToSRGB(out[0])
				color.data[offset+1] = linearToSRGB(out[1])
				color.data[offset+2] = linearToSRGB(out[2])
				color.data[offset+3] = uint8(clamp01(out[3])*255 + 0.5)
			}
			if primID != nil {
				binary.LittleEndian.PutUint32(primID.data[pixel*4:], primitive)
			}
			if objID != nil {
				binary.LittleEndian.PutUint32(objID.data[pixel*4:], objectID)
			}
			if instID != nil {
				// every surface is placed directly in the world, never through an instance
				binary.LittleEndian.PutUint32(instID.data[pixel*4:], backend.NoID)
			}
		}
	}
}

// rasterize splits the image into row bands and traces them concurrently.
func (d *Device) rasterize(snap *sceneSnapshot, buffers map[string]*channelBuffer) error {
	workers := d.workers
	if workers < 1 {
		workers = 1
	}
	band := snap.height / uint32(workers*4)
	if band == 0 {
		band = 1
	}

	var group errgroup.Group
	group.SetLimit(workers)
	for y := uint32(0); y < snap.height; y += band {
		y0, y1 := y, min(y+band, snap.height)
		group.Go(func() error {
			snap.renderRows(buffers, y0, y1)
			return nil
		})
	}
	return group.Wait()
}
