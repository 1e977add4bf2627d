package helide

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/vkngwrapper/anari-examples/backend"
)

type channelBuffer struct {
	typ  backend.DataType
	data []byte
}

type frameState struct {
	width, height uint32
	channels      map[string]*channelBuffer
	mapped        map[string]bool

	// done is closed by the render goroutine; nil until the first Render.
	done       chan struct{}
	err        error
	renderTime time.Duration
}

func (f *frameState) inFlight() bool {
	if f.done == nil {
		return false
	}
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// resize reallocates channel storage only when the size or declared channels change,
// so a stale mapping taken from a previous render observes the next one.
func (f *frameState) resize(width, height uint32, declared map[string]backend.DataType) {
	pixels := int(width) * int(height)
	next := make(map[string]*channelBuffer, len(declared))
	for name, typ := range declared {
		size := pixels * typ.Size()
		if buf, ok := f.channels[name]; ok && buf.typ == typ && len(buf.data) == size {
			next[name] = buf
			continue
		}
		next[name] = &channelBuffer{typ: typ, data: make([]byte, size)}
	}
	f.channels = next
	f.width = width
	f.height = height
}

var channelNames = []string{
	backend.ChannelColor,
	backend.ChannelPrimitiveID,
	backend.ChannelObjectID,
	backend.ChannelInstanceID,
}

func (d *Device) Render(frame backend.Object) error {
	d.mu.Lock()

	o, err := d.lookupType(frame, backend.ObjectFrame)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	fs := o.frame
	if fs.inFlight() {
		d.mu.Unlock()
		return errors.Wrapf(backend.ErrRenderInFlight, "render %s", frame)
	}
	for channel := range fs.mapped {
		d.mu.Unlock()
		return errors.Wrapf(backend.ErrFrameMapped, "render %s while %s is mapped", frame, channel)
	}

	snap, err := d.snapshot(o)
	if err != nil {
		d.mu.Unlock()
		d.logf(backend.SeverityError, "render %s: %v", frame, err)
		return errors.Wrapf(err, "render %s", frame)
	}

	fs.resize(snap.width, snap.height, snap.channels)
	buffers := make(map[string]*channelBuffer, len(fs.channels))
	for name, buf := range fs.channels {
		buffers[name] = buf
	}
	done := make(chan struct{})
	fs.done = done
	fs.err = nil
	d.mu.Unlock()

	go func() {
		start := time.Now()
		err := d.rasterize(snap, buffers)

		d.mu.Lock()
		fs.err = err
		fs.renderTime = time.Since(start)
		d.mu.Unlock()

		if snap.callback != nil {
			snap.callback(frame)
		}
		close(done)
	}()

	return nil
}

func (d *Device) Wait(frame backend.Object, mode backend.WaitMode) (bool, error) {
	d.mu.Lock()
	o, err := d.lookupType(frame, backend.ObjectFrame)
	if err != nil {
		d.mu.Unlock()
		return false, err
	}
	done := o.frame.done
	d.mu.Unlock()

	if done == nil {
		return true, nil
	}

	if mode == backend.WaitPoll {
		select {
		case <-done:
		default:
			return false, nil
		}
	} else {
		<-done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return true, o.frame.err
}

// Map blocks until the current render finishes.
func (d *Device) Map(frame backend.Object, channel string) (backend.MappedChannel, error) {
	d.mu.Lock()
	o, err := d.lookupType(frame, backend.ObjectFrame)
	if err != nil {
		d.mu.Unlock()
		return backend.MappedChannel{}, err
	}
	fs := o.frame
	if fs.done == nil {
		d.mu.Unlock()
		return backend.MappedChannel{}, errors.Wrapf(backend.ErrNotRendered, "map %s %s", frame, channel)
	}
	buf, ok := fs.channels[channel]
	if !ok {
		d.mu.Unlock()
		return backend.MappedChannel{}, errors.Wrapf(backend.ErrUnknownChannel, "map %s %s", frame, channel)
	}
	if fs.mapped[channel] {
		d.mu.Unlock()
		return backend.MappedChannel{}, errors.Wrapf(backend.ErrFrameMapped, "map %s %s twice", frame, channel)
	}
	fs.mapped[channel] = true
	done := fs.done
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	if fs.err != nil {
		delete(fs.mapped, channel)
		return backend.MappedChannel{}, errors.Wrapf(fs.err, "map %s %s", frame, channel)
	}
	return backend.MappedChannel{
		Data:   buf.data,
		Width:  fs.width,
		Height: fs.height,
		Type:   buf.typ,
	}, nil
}

func (d *Device) Unmap(frame backend.Object, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookupType(frame, backend.ObjectFrame)
	if err != nil {
		return err
	}
	if !o.frame.mapped[channel] {
		return errors.Wrapf(backend.ErrNotMapped, "unmap %s %s", frame, channel)
	}
	delete(o.frame.mapped, channel)
	return nil
}

// RenderDuration reports how long the last finished render of frame took.
func (d *Device) RenderDuration(frame backend.Object) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookupType(frame, backend.ObjectFrame)
	if err != nil {
		return 0, err
	}
	return o.frame.renderTime, nil
}

type cameraState struct {
	position  mgl32.Vec3
	direction mgl32.Vec3
	up        mgl32.Vec3
	aspect    float32
	fovy      float32
}

type triangleMesh struct {
	positions []mgl32.Vec3
	colors    []mgl32.Vec4
	indices   [][3]uint32
}

type surfaceState struct {
	mesh           triangleMesh
	albedoFromAttr bool
	albedo         mgl32.Vec4
	id             uint32
}

type sceneSnapshot struct {
	width, height uint32
	channels      map[string]backend.DataType
	callback      backend.FrameCompletionFunc

	camera     cameraState
	surfaces   []surfaceState
	background mgl32.Vec4
	ambient    mgl32.Vec3
}

// snapshot copies everything a render needs out of committed state. Called with d.mu held.
func (d *Device) snapshot(frame *object) (*sceneSnapshot, error) {
	if frame.commits == 0 {
		return nil, errors.Wrapf(backend.ErrNotCommitted, "%s", frame.handle)
	}

	snap := &sceneSnapshot{channels: make(map[string]backend.DataType)}

	size, ok := frame.committed["size"].([2]uint32)
	if !ok || size[0] == 0 || size[1] == 0 {
		return nil, errors.Newf("%s: size must be a positive [2]uint32", frame.handle)
	}
	snap.width, snap.height = size[0], size[1]

	for _, name := range channelNames {
		value, set := frame.committed[name]
		if !set {
			continue
		}
		typ, ok := value.(backend.DataType)
		if !ok || typ.Size() == 0 {
			d.logf(backend.SeverityWarning, "%s: ignoring %s with type %v", frame.handle, name, value)
			continue
		}
		snap.channels[name] = typ
	}
	if cb, ok := frame.committed["frameCompletionCallback"].(backend.FrameCompletionFunc); ok {
		snap.callback = cb
	}

	camera, err := d.objectParam(frame, "camera", backend.ObjectCamera)
	if err != nil {
		return nil, err
	}
	snap.camera = d.cameraFrom(camera)

	renderer, err := d.objectParam(frame, "renderer", backend.ObjectRenderer)
	if err != nil {
		return nil, err
	}
	snap.background = d.vec4Param(renderer, "background", mgl32.Vec4{0, 0, 0, 1})
	radiance := d.floatParam(renderer, "ambientRadiance", 1)
	snap.ambient = d.vec3Param(renderer, "ambientColor", mgl32.Vec3{1, 1, 1}).Mul(radiance)

	world, err := d.objectParam(frame, "world", backend.ObjectWorld)
	if err != nil {
		return nil, err
	}
	snap.surfaces, err = d.surfacesFrom(world)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (d *Device) objectParam(o *object, name string, typ backend.ObjectType) (*object, error) {
	h, ok := o.committed[name].(backend.Object)
	if !ok {
		return nil, errors.Newf("%s: missing %s parameter %q", o.handle, typ, name)
	}
	if h.Type() != typ {
		return nil, errors.Newf("%s: parameter %q is a %s, want %s", o.handle, name, h.Type(), typ)
	}
	ref, ok := d.objects[h.ID()]
	if !ok {
		return nil, errors.Wrapf(backend.ErrInvalidObject, "%s.%s", o.handle, name)
	}
	if ref.commits == 0 {
		return nil, errors.Wrapf(backend.ErrNotCommitted, "%s.%s (%s)", o.handle, name, h)
	}
	return ref, nil
}

func (d *Device) floatParam(o *object, name string, def float32) float32 {
	value, set := o.committed[name]
	if !set {
		return def
	}
	f, ok := value.(float32)
	if !ok {
		d.logf(backend.SeverityWarning, "%s.%s: expected float32, got %T", o.handle, name, value)
		return def
	}
	return f
}

func (d *Device) vec3Param(o *object, name string, def mgl32.Vec3) mgl32.Vec3 {
	value, set := o.committed[name]
	if !set {
		return def
	}
	v, ok := value.(mgl32.Vec3)
	if !ok {
		d.logf(backend.SeverityWarning, "%s.%s: expected vec3, got %T", o.handle, name, value)
		return def
	}
	return v
}

func (d *Device) vec4Param(o *object, name string, def mgl32.Vec4) mgl32.Vec4 {
	value, set := o.committed[name]
	if !set {
		return def
	}
	switch v := value.(type) {
	case mgl32.Vec4:
		return v
	case mgl32.Vec3:
		return v.Vec4(1)
	}
	d.logf(backend.SeverityWarning, "%s.%s: expected vec4, got %T", o.handle, name, value)
	return def
}

func (d *Device) uintParam(o *object, name string, def uint32) uint32 {
	value, set := o.committed[name]
	if !set {
		return def
	}
	v, ok := value.(uint32)
	if !ok {
		d.logf(backend.SeverityWarning, "%s.%s: expected uint32, got %T", o.handle, name, value)
		return def
	}
	return v
}

func (d *Device) cameraFrom(o *object) cameraState {
	return cameraState{
		position:  d.vec3Param(o, "position", mgl32.Vec3{0, 0, 0}),
		direction: d.vec3Param(o, "direction", mgl32.Vec3{0, 0, -1}),
		up:        d.vec3Param(o, "up", mgl32.Vec3{0, 1, 0}),
		aspect:    d.floatParam(o, "aspect", 1),
		fovy:      d.floatParam(o, "fovy", mgl32.DegToRad(60)),
	}
}

func (d *Device) surfacesFrom(world *object) ([]surfaceState, error) {
	value, set := world.committed["surface"]
	if !set {
		return nil, nil
	}
	h, ok := value.(backend.Object)
	if !ok || h.Type() != backend.ObjectArray1D {
		return nil, errors.Newf("%s: surface must be an array of surfaces", world.handle)
	}
	array, err := d.objectParam(world, "surface", backend.ObjectArray1D)
	if err != nil {
		return nil, err
	}
	elements, ok := array.array.([]backend.Object)
	if !ok {
		return nil, errors.Newf("%s: surface array holds %T", world.handle, array.array)
	}

	surfaces := make([]surfaceState, 0, len(elements))
	for i, h := range elements {
		if h.Type() != backend.ObjectSurface {
			return nil, errors.Newf("%s: surface[%d] is a %s", world.handle, i, h.Type())
		}
		surface, ok := d.objects[h.ID()]
		if !ok {
			return nil, errors.Wrapf(backend.ErrInvalidObject, "%s: surface[%d]", world.handle, i)
		}
		if surface.commits == 0 {
			return nil, errors.Wrapf(backend.ErrNotCommitted, "%s: surface[%d]", world.handle, i)
		}
		state, err := d.surfaceFrom(surface, uint32(i))
		if err != nil {
			return nil, err
		}
		surfaces = append(surfaces, state)
	}
	return surfaces, nil
}

func (d *Device) surfaceFrom(surface *object, index uint32) (surfaceState, error) {
	geometry, err := d.objectParam(surface, "geometry", backend.ObjectGeometry)
	if err != nil {
		return surfaceState{}, err
	}
	material, err := d.objectParam(surface, "material", backend.ObjectMaterial)
	if err != nil {
		return surfaceState{}, err
	}

	state := surfaceState{
		id:     d.uintParam(surface, "id", index),
		albedo: mgl32.Vec4{0.8, 0.8, 0.8, 1},
	}

	state.mesh, err = d.meshFrom(geometry)
	if err != nil {
		return surfaceState{}, err
	}

	switch color := material.committed["color"].(type) {
	case nil:
	case string:
		if color != "color" {
			d.logf(backend.SeverityWarning, "%s: unsupported color attribute %q", material.handle, color)
			break
		}
		if len(state.mesh.colors) == len(state.mesh.positions) {
			state.albedoFromAttr = true
		} else {
			d.logf(backend.SeverityPerformanceWarning,
				"%s: color attribute requested but %s has no matching vertex.color", material.handle, geometry.handle)
		}
	default:
		state.albedo = d.vec4Param(material, "color", state.albedo)
	}
	return state, nil
}

func (d *Device) meshFrom(geometry *object) (triangleMesh, error) {
	var mesh triangleMesh

	positions, err := d.objectParam(geometry, "vertex.position", backend.ObjectArray1D)
	if err != nil {
		return mesh, err
	}
	var ok bool
	mesh.positions, ok = positions.array.([]mgl32.Vec3)
	if !ok {
		return mesh, errors.Newf("%s: vertex.position holds %T", geometry.handle, positions.array)
	}

	if _, set := geometry.committed["vertex.color"]; set {
		colors, err := d.objectParam(geometry, "vertex.color", backend.ObjectArray1D)
		if err != nil {
			return mesh, err
		}
		mesh.colors, ok = colors.array.([]mgl32.Vec4)
		if !ok {
			return mesh, errors.Newf("%s: vertex.color holds %T", geometry.handle, colors.array)
		}
	}

	if _, set := geometry.committed["primitive.index"]; set {
		indices, err := d.objectParam(geometry, "primitive.index", backend.ObjectArray1D)
		if err != nil {
			return mesh, err
		}
		mesh.indices, ok = indices.array.([][3]uint32)
		if !ok {
			return mesh, errors.Newf("%s: primitive.index holds %T", geometry.handle, indices.array)
		}
	} else {
		for i := 0; i+2 < len(mesh.positions); i += 3 {
			mesh.indices = append(mesh.indices, [3]uint32{uint32(i), uint32(i + 1), uint32(i + 2)})
		}
	}

	for i, tri := range mesh.indices {
		for _, idx := range tri {
			if int(idx) >= len(mesh.positions) {
				return mesh, errors.Newf("%s: primitive %d references vertex %d of %d",
					geometry.handle, i, idx, len(mesh.positions))
			}
		}
	}
	return mesh, nil
}
