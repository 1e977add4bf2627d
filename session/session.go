// Package session owns one rendering device and the scene it renders: a camera, a
// triangle mesh on a matte surface, a world, a renderer and the frame they feed.
package session

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/anari-examples/backend"
)

var (
	ErrNotInitialized = errors.New("session is not initialized")
	ErrSceneMissing   = errors.New("scene has not been built")
	ErrSceneBuilt     = errors.New("scene has already been built")
	ErrNoFrame        = errors.New("frame target has not been set up")
	ErrAlreadyMapped  = errors.New("color channel is already mapped")
	ErrNotMapped      = errors.New("color channel is not mapped")
	ErrNotRendered    = errors.New("nothing has been rendered yet")
	ErrInvalidSize    = errors.New("frame size must be positive")
)

// RequiredExtensions are the device features the tutorial scene is written against.
var RequiredExtensions = []string{
	backend.ExtensionTriangleGeometry,
	backend.ExtensionPerspectiveCamera,
	backend.ExtensionMatteMaterial,
	backend.ExtensionFrameCompletionCallback,
}

type Config struct {
	Library         string
	Device          string
	RendererName    string
	AmbientRadiance float32
	// ReferenceSize fixes the camera aspect ratio independently of the window.
	ReferenceSize [2]uint32
	SurfaceID     uint32
	WorldID       uint32
}

func DefaultConfig() Config {
	return Config{
		Library:         backend.EnvironmentLibrary,
		Device:          backend.DefaultDevice,
		RendererName:    "default",
		AmbientRadiance: 1,
		ReferenceSize:   [2]uint32{1024, 768},
		SurfaceID:       2,
		WorldID:         3,
	}
}

// handle is a device object reference held by the session.
type handle struct {
	obj backend.Object
}

func (h *handle) valid() bool { return h.obj.Valid() }

// transfer hands the reference to someone else and leaves h invalid.
func (h *handle) transfer() backend.Object {
	obj := h.obj
	h.obj = backend.Object{}
	return obj
}

func (h *handle) release(d backend.Device) error {
	if !h.obj.Valid() {
		return nil
	}
	return d.Release(h.transfer())
}

type Session struct {
	cfg    Config
	status backend.StatusFunc

	library *backend.Library
	device  backend.Device

	renderer handle
	camera   handle
	world    handle
	geometry handle
	frame    handle

	// cameraPose stays with the session after the frame adopts the camera, so the pose
	// can keep changing.
	cameraPose handle

	baseColors []mgl32.Vec4
	pose       Pose
	size       [2]uint32

	rendered bool
	mapped   bool
}

func New(cfg Config, status backend.StatusFunc) *Session {
	if status == nil {
		status = func(backend.Severity, string) {}
	}
	return &Session{cfg: cfg, status: status}
}

func (s *Session) logf(severity backend.Severity, format string, args ...any) {
	s.status(severity, fmt.Sprintf(format, args...))
}

// Initialize loads the library, creates the device and the renderer. Any error means the
// session is unusable; Close is still safe to call.
func (s *Session) Initialize() error {
	library, err := backend.LoadLibrary(s.cfg.Library, s.status)
	if err != nil {
		return errors.Wrap(err, "initialize")
	}
	s.library = library

	device, err := library.NewDevice(s.cfg.Device)
	if err != nil {
		return errors.Wrap(err, "initialize")
	}
	s.device = device

	for _, ext := range RequiredExtensions {
		if !backend.HasExtension(device, ext) {
			s.logf(backend.SeverityWarning, "device %s does not support %s", device.ID(), ext)
		}
	}

	renderer, err := device.NewObject(backend.ObjectRenderer, "default")
	if err != nil {
		return errors.Wrap(err, "create renderer")
	}
	s.renderer.obj = renderer

	err = s.setAll(renderer, map[string]any{
		"ambientRadiance": s.cfg.AmbientRadiance,
		"name":            s.cfg.RendererName,
	})
	if err != nil {
		return errors.Wrap(err, "configure renderer")
	}
	return errors.Wrap(device.Commit(renderer), "commit renderer")
}

func (s *Session) setAll(obj backend.Object, params map[string]any) error {
	for name, value := range params {
		if err := s.device.SetParameter(obj, name, value); err != nil {
			return err
		}
	}
	return nil
}

// setArray creates an array, sets it on obj and drops the local reference.
func (s *Session) setArray(obj backend.Object, name string, data any) error {
	array, err := s.device.NewArray1D(data)
	if err != nil {
		return errors.Wrapf(err, "array for %s", name)
	}
	err = s.device.SetParameter(obj, name, array)
	return errors.CombineErrors(err, s.device.Release(array))
}

// BuildScene creates the camera, one triangle mesh with a matte material bound to the
// vertex colors, a surface and the world that holds it. Every object is committed as
// soon as it is configured.
func (s *Session) BuildScene(mesh Mesh) error {
	if s.device == nil {
		return ErrNotInitialized
	}
	if s.geometry.valid() {
		return ErrSceneBuilt
	}
	if err := mesh.Validate(); err != nil {
		return err
	}
	d := s.device

	camera, err := d.NewObject(backend.ObjectCamera, "perspective")
	if err != nil {
		return errors.Wrap(err, "create camera")
	}
	s.camera.obj = camera
	s.pose = DefaultPose()
	ref := s.cfg.ReferenceSize
	err = s.setAll(camera, map[string]any{
		"aspect":    float32(ref[0]) / float32(ref[1]),
		"position":  s.pose.Position,
		"up":        s.pose.Up,
		"direction": s.pose.Direction,
	})
	if err != nil {
		return errors.Wrap(err, "configure camera")
	}
	if err := d.Commit(camera); err != nil {
		return errors.Wrap(err, "commit camera")
	}

	geometry, err := d.NewObject(backend.ObjectGeometry, "triangle")
	if err != nil {
		return errors.Wrap(err, "create geometry")
	}
	s.geometry.obj = geometry
	s.baseColors = append([]mgl32.Vec4(nil), mesh.Colors...)
	if err := s.setArray(geometry, "vertex.position", mesh.Positions); err != nil {
		return err
	}
	if err := s.setArray(geometry, "vertex.color", mesh.Colors); err != nil {
		return err
	}
	if err := s.setArray(geometry, "primitive.index", mesh.Indices); err != nil {
		return err
	}
	if err := d.Commit(geometry); err != nil {
		return errors.Wrap(err, "commit geometry")
	}

	material, err := d.NewObject(backend.ObjectMaterial, "matte")
	if err != nil {
		return errors.Wrap(err, "create material")
	}
	var surface backend.Object
	defer func() {
		if surface.Valid() {
			_ = d.Release(surface)
		}
		_ = d.Release(material)
	}()

	if err := d.SetParameter(material, "color", "color"); err != nil {
		return errors.Wrap(err, "configure material")
	}
	if err := d.Commit(material); err != nil {
		return errors.Wrap(err, "commit material")
	}

	surface, err = d.NewObject(backend.ObjectSurface, "")
	if err != nil {
		return errors.Wrap(err, "create surface")
	}
	err = s.setAll(surface, map[string]any{
		"geometry": geometry,
		"material": material,
		"id":       s.cfg.SurfaceID,
	})
	if err != nil {
		return errors.Wrap(err, "configure surface")
	}
	if err := d.Commit(surface); err != nil {
		return errors.Wrap(err, "commit surface")
	}

	world, err := d.NewObject(backend.ObjectWorld, "")
	if err != nil {
		return errors.Wrap(err, "create world")
	}
	s.world.obj = world
	if err := s.setArray(world, "surface", []backend.Object{surface}); err != nil {
		return err
	}
	if err := d.SetParameter(world, "id", s.cfg.WorldID); err != nil {
		return errors.Wrap(err, "configure world")
	}
	return errors.Wrap(d.Commit(world), "commit world")
}

// SetupFrameTarget creates the frame, which takes over the session's references to the
// renderer, camera and world.
func (s *Session) SetupFrameTarget(width, height uint32) error {
	if s.device == nil {
		return ErrNotInitialized
	}
	if !s.camera.valid() || !s.world.valid() || !s.renderer.valid() {
		return ErrSceneMissing
	}
	if width == 0 || height == 0 {
		return errors.Wrapf(ErrInvalidSize, "%dx%d", width, height)
	}
	d := s.device

	frame, err := d.NewObject(backend.ObjectFrame, "")
	if err != nil {
		return errors.Wrap(err, "create frame")
	}
	s.frame.obj = frame

	err = s.setAll(frame, map[string]any{
		"size":                     [2]uint32{width, height},
		backend.ChannelColor:       backend.UFixed8RGBASRGB,
		backend.ChannelPrimitiveID: backend.Uint32,
		backend.ChannelObjectID:    backend.Uint32,
		backend.ChannelInstanceID:  backend.Uint32,
		"frameCompletionCallback":  backend.FrameCompletionFunc(s.frameCompleted),
	})
	if err != nil {
		return errors.Wrap(err, "configure frame")
	}

	if err := d.Retain(s.camera.obj); err != nil {
		return errors.Wrap(err, "retain camera")
	}
	s.cameraPose.obj = s.camera.obj

	for _, adopt := range []struct {
		name string
		h    *handle
	}{
		{"renderer", &s.renderer},
		{"camera", &s.camera},
		{"world", &s.world},
	} {
		if err := d.SetParameter(frame, adopt.name, adopt.h.obj); err != nil {
			return errors.Wrapf(err, "attach %s", adopt.name)
		}
		if err := adopt.h.release(d); err != nil {
			return errors.Wrapf(err, "release %s", adopt.name)
		}
	}

	if err := d.Commit(frame); err != nil {
		return errors.Wrap(err, "commit frame")
	}
	s.size = [2]uint32{width, height}
	return nil
}

func (s *Session) frameCompleted(frame backend.Object) {
	s.logf(backend.SeverityDebug, "frame %s completed", frame)
}

func (s *Session) UpdateCameraPose(pose Pose) error {
	if !s.cameraPose.valid() {
		return ErrNoFrame
	}
	err := s.setAll(s.cameraPose.obj, map[string]any{
		"position":  pose.Position,
		"up":        pose.Up,
		"direction": pose.Direction,
	})
	if err != nil {
		return errors.Wrap(err, "update camera")
	}
	if err := s.device.Commit(s.cameraPose.obj); err != nil {
		return errors.Wrap(err, "commit camera")
	}
	s.pose = pose
	return nil
}

// UpdateMeshColors replaces the whole vertex color array and recommits the geometry.
func (s *Session) UpdateMeshColors(colors []mgl32.Vec4) error {
	if !s.geometry.valid() {
		return ErrSceneMissing
	}
	if len(colors) != len(s.baseColors) {
		return errors.Newf("got %d vertex colors, mesh has %d vertices", len(colors), len(s.baseColors))
	}
	if err := s.setArray(s.geometry.obj, "vertex.color", colors); err != nil {
		return err
	}
	return errors.Wrap(s.device.Commit(s.geometry.obj), "commit geometry")
}

// Animate applies the time-driven camera pose and mesh colors for elapsed seconds t.
func (s *Session) Animate(t float64) error {
	if err := s.UpdateCameraPose(PoseAt(t)); err != nil {
		return err
	}
	return s.UpdateMeshColors(MeshColorsAt(s.baseColors, t))
}

func (s *Session) ResizeFrameTarget(width, height uint32) error {
	if !s.frame.valid() {
		return ErrNoFrame
	}
	if width == 0 || height == 0 {
		return errors.Wrapf(ErrInvalidSize, "%dx%d", width, height)
	}
	if err := s.device.SetParameter(s.frame.obj, "size", [2]uint32{width, height}); err != nil {
		return errors.Wrap(err, "resize frame")
	}
	if err := s.device.Commit(s.frame.obj); err != nil {
		return errors.Wrap(err, "commit frame")
	}
	s.size = [2]uint32{width, height}
	return nil
}

func (s *Session) FrameSize() (uint32, uint32) {
	return s.size[0], s.size[1]
}

func (s *Session) Pose() Pose {
	return s.pose
}

// RenderAndWait renders the frame and blocks until the device finishes.
func (s *Session) RenderAndWait() error {
	if !s.frame.valid() {
		return ErrNoFrame
	}
	if s.mapped {
		return errors.Wrap(ErrAlreadyMapped, "render")
	}
	if err := s.device.Render(s.frame.obj); err != nil {
		return errors.Wrap(err, "render")
	}
	if _, err := s.device.Wait(s.frame.obj, backend.WaitBlocking); err != nil {
		return errors.Wrap(err, "wait")
	}
	s.rendered = true
	return nil
}

// RenderDuration is how long the device spent on the last render. Devices that do not
// measure renders report zero.
func (s *Session) RenderDuration() (time.Duration, error) {
	if !s.frame.valid() {
		return 0, ErrNoFrame
	}
	if !s.rendered {
		return 0, ErrNotRendered
	}
	timer, ok := s.device.(backend.RenderTimer)
	if !ok {
		return 0, nil
	}
	return timer.RenderDuration(s.frame.obj)
}

// MapColorChannel exposes the last rendered color channel until UnmapColorChannel.
func (s *Session) MapColorChannel() (backend.MappedChannel, error) {
	if !s.frame.valid() {
		return backend.MappedChannel{}, ErrNoFrame
	}
	if s.mapped {
		return backend.MappedChannel{}, ErrAlreadyMapped
	}
	if !s.rendered {
		return backend.MappedChannel{}, ErrNotRendered
	}
	m, err := s.device.Map(s.frame.obj, backend.ChannelColor)
	if err != nil {
		return backend.MappedChannel{}, errors.Wrap(err, "map color")
	}
	s.mapped = true
	return m, nil
}

func (s *Session) UnmapColorChannel() error {
	if !s.mapped {
		return ErrNotMapped
	}
	s.mapped = false
	return errors.Wrap(s.device.Unmap(s.frame.obj, backend.ChannelColor), "unmap color")
}

// IDs are the id channel values at one pixel; backend.NoID marks a miss.
type IDs struct {
	Primitive uint32
	Object    uint32
	Instance  uint32
}

// SampleIDs reads the id channels at (x, y), row 0 being the bottom row. Each channel is
// mapped and unmapped in turn.
func (s *Session) SampleIDs(x, y uint32) (IDs, error) {
	ids := IDs{Primitive: backend.NoID, Object: backend.NoID, Instance: backend.NoID}
	if !s.frame.valid() {
		return ids, ErrNoFrame
	}
	if !s.rendered {
		return ids, ErrNotRendered
	}

	for _, sample := range []struct {
		channel string
		dst     *uint32
	}{
		{backend.ChannelPrimitiveID, &ids.Primitive},
		{backend.ChannelObjectID, &ids.Object},
		{backend.ChannelInstanceID, &ids.Instance},
	} {
		m, err := s.device.Map(s.frame.obj, sample.channel)
		if err != nil {
			return ids, errors.Wrapf(err, "sample %s", sample.channel)
		}
		if v, ok := m.Uint32At(x, y); ok {
			*sample.dst = v
		}
		if err := s.device.Unmap(s.frame.obj, sample.channel); err != nil {
			return ids, errors.Wrapf(err, "sample %s", sample.channel)
		}
	}
	return ids, nil
}

// Close releases everything the session still holds, frame first and library last. It
// tolerates a session that failed partway through setup and is safe to call twice.
func (s *Session) Close() error {
	var err error

	if s.device != nil {
		if s.mapped {
			err = errors.CombineErrors(err, s.UnmapColorChannel())
		}
		for _, h := range []*handle{&s.cameraPose, &s.geometry, &s.frame, &s.world, &s.camera, &s.renderer} {
			err = errors.CombineErrors(err, h.release(s.device))
		}
		err = errors.CombineErrors(err, s.device.Close())
		s.device = nil
	}

	if s.library != nil {
		err = errors.CombineErrors(err, s.library.Unload())
		s.library = nil
	}

	s.rendered = false
	return err
}
