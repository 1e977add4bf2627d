// Package helide is an in-process software device: it ray casts triangle meshes on the
// CPU and writes color, primitive id, object id and instance id channels.
package helide

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"github.com/vkngwrapper/anari-examples/backend"
)

const LibraryName = "helide"

type driver struct{}

func (driver) DeviceSubtypes() []string { return []string{"helide"} }

func (driver) NewDevice(subtype string, status backend.StatusFunc) (backend.Device, error) {
	return NewDevice(status), nil
}

func init() {
	backend.Register(LibraryName, driver{})
}

var extensions = []string{
	backend.ExtensionTriangleGeometry,
	backend.ExtensionPerspectiveCamera,
	backend.ExtensionMatteMaterial,
	backend.ExtensionFrameCompletionCallback,
	backend.ExtensionPrimitiveIDChannel,
	backend.ExtensionObjectIDChannel,
	backend.ExtensionInstanceIDChannel,
}

var subtypes = map[backend.ObjectType][]string{
	backend.ObjectCamera:   {"perspective"},
	backend.ObjectGeometry: {"triangle"},
	backend.ObjectMaterial: {"matte"},
	backend.ObjectSurface:  {""},
	backend.ObjectWorld:    {""},
	backend.ObjectRenderer: {"default"},
	backend.ObjectFrame:    {""},
}

type object struct {
	handle  backend.Object
	uuid    uuid.UUID
	subtype string

	// refs are held by the application, internal by parameters and arrays of other
	// objects. The object is freed once both reach zero.
	refs     int
	internal int

	staged    map[string]any
	committed map[string]any
	commits   int

	array any
	frame *frameState
}

type Device struct {
	mu      sync.Mutex
	id      uuid.UUID
	status  backend.StatusFunc
	objects map[uint64]*object
	nextID  uint64
	closed  bool
	workers int
}

var _ backend.Device = (*Device)(nil)
var _ backend.RenderTimer = (*Device)(nil)

func NewDevice(status backend.StatusFunc) *Device {
	if status == nil {
		status = func(backend.Severity, string) {}
	}

	d := &Device{
		id:      uuid.New(),
		status:  status,
		objects: make(map[uint64]*object),
		workers: runtime.GOMAXPROCS(0),
	}
	d.status(backend.SeverityInfo, fmt.Sprintf("helide device %s created", d.id))
	return d
}

func (d *Device) ID() uuid.UUID {
	return d.id
}

func (d *Device) Extensions() []string {
	return append([]string(nil), extensions...)
}

func (d *Device) logf(severity backend.Severity, format string, args ...any) {
	d.status(severity, fmt.Sprintf(format, args...))
}

// lookup resolves a handle the application still holds a reference to.
func (d *Device) lookup(h backend.Object) (*object, error) {
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}
	o, ok := d.objects[h.ID()]
	if !ok || o.refs == 0 || o.handle != h {
		return nil, errors.Wrapf(backend.ErrInvalidObject, "handle %s", h)
	}
	return o, nil
}

func (d *Device) lookupType(h backend.Object, typ backend.ObjectType) (*object, error) {
	o, err := d.lookup(h)
	if err != nil {
		return nil, err
	}
	if h.Type() != typ {
		return nil, errors.Wrapf(backend.ErrInvalidObject, "handle %s is not a %s", h, typ)
	}
	return o, nil
}

func (d *Device) newObject(typ backend.ObjectType, subtype string) *object {
	d.nextID++
	o := &object{
		handle:    backend.NewObjectHandle(typ, d.nextID),
		uuid:      uuid.New(),
		subtype:   subtype,
		refs:      1,
		staged:    make(map[string]any),
		committed: make(map[string]any),
	}
	if typ == backend.ObjectFrame {
		o.frame = &frameState{mapped: make(map[string]bool)}
	}
	d.objects[o.handle.ID()] = o
	return o
}

func (d *Device) NewObject(typ backend.ObjectType, subtype string) (backend.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return backend.Object{}, backend.ErrDeviceClosed
	}

	supported, ok := subtypes[typ]
	if !ok {
		return backend.Object{}, errors.Newf("helide: cannot create %s objects with NewObject", typ)
	}
	valid := false
	for _, s := range supported {
		if s == subtype {
			valid = true
			break
		}
	}
	if !valid {
		d.logf(backend.SeverityWarning, "unsupported %s subtype %q", typ, subtype)
		return backend.Object{}, errors.Newf("helide: unsupported %s subtype %q", typ, subtype)
	}

	o := d.newObject(typ, subtype)
	d.logf(backend.SeverityDebug, "created %s %s", o.handle, o.uuid)
	return o.handle, nil
}

func (d *Device) NewArray1D(data any) (backend.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return backend.Object{}, backend.ErrDeviceClosed
	}

	var copied any
	switch v := data.(type) {
	case []mgl32.Vec3:
		copied = append([]mgl32.Vec3(nil), v...)
	case []mgl32.Vec4:
		copied = append([]mgl32.Vec4(nil), v...)
	case [][3]uint32:
		copied = append([][3]uint32(nil), v...)
	case []backend.Object:
		for _, h := range v {
			if _, err := d.lookup(h); err != nil {
				return backend.Object{}, errors.Wrap(err, "array element")
			}
		}
		for _, h := range v {
			d.addRef(h)
		}
		copied = append([]backend.Object(nil), v...)
	default:
		return backend.Object{}, errors.Newf("helide: unsupported array element type %T", data)
	}

	o := d.newObject(backend.ObjectArray1D, "")
	o.array = copied
	o.commits = 1
	return o.handle, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case float32, uint32, string, bool,
		mgl32.Vec2, mgl32.Vec3, mgl32.Vec4, [2]uint32,
		backend.Object, backend.DataType, backend.FrameCompletionFunc:
		return v, nil
	case float64:
		return float32(v), nil
	case int:
		if v < 0 {
			return nil, errors.Newf("helide: negative integer parameter %d", v)
		}
		return uint32(v), nil
	case func(backend.Object):
		return backend.FrameCompletionFunc(v), nil
	}
	return nil, errors.Newf("helide: unsupported parameter type %T", value)
}

func (d *Device) SetParameter(h backend.Object, name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookup(h)
	if err != nil {
		return err
	}

	value, err = normalizeValue(value)
	if err != nil {
		return errors.Wrapf(err, "%s.%s", h, name)
	}
	if ref, isObject := value.(backend.Object); isObject {
		if _, err := d.lookup(ref); err != nil {
			return errors.Wrapf(err, "%s.%s", h, name)
		}
		d.addRef(ref)
	}

	old, had := o.staged[name]
	o.staged[name] = value
	if had {
		d.dropValue(old)
	}
	return nil
}

func (d *Device) UnsetParameter(h backend.Object, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	if old, had := o.staged[name]; had {
		delete(o.staged, name)
		d.dropValue(old)
	}
	return nil
}

func (d *Device) Commit(h backend.Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookup(h)
	if err != nil {
		return err
	}

	committed := make(map[string]any, len(o.staged))
	for name, value := range o.staged {
		committed[name] = value
		if ref, isObject := value.(backend.Object); isObject {
			d.addRef(ref)
		}
	}
	old := o.committed
	o.committed = committed
	for _, value := range old {
		d.dropValue(value)
	}
	o.commits++
	return nil
}

func (d *Device) Retain(h backend.Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.refs++
	return nil
}

func (d *Device) Release(h backend.Object) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, err := d.lookup(h)
	if err != nil {
		return err
	}
	o.refs--
	d.maybeFree(o)
	return nil
}

func (d *Device) addRef(h backend.Object) {
	if o, ok := d.objects[h.ID()]; ok {
		o.internal++
	}
}

func (d *Device) dropRef(h backend.Object) {
	o, ok := d.objects[h.ID()]
	if !ok {
		return
	}
	o.internal--
	d.maybeFree(o)
}

func (d *Device) dropValue(value any) {
	if ref, isObject := value.(backend.Object); isObject {
		d.dropRef(ref)
	}
}

func (d *Device) maybeFree(o *object) {
	if o.refs > 0 || o.internal > 0 {
		return
	}
	delete(d.objects, o.handle.ID())
	d.logf(backend.SeverityDebug, "freed %s %s", o.handle, o.uuid)

	for _, value := range o.staged {
		d.dropValue(value)
	}
	for _, value := range o.committed {
		d.dropValue(value)
	}
	if elements, ok := o.array.([]backend.Object); ok {
		for _, h := range elements {
			d.dropRef(h)
		}
	}
}

// Close waits for renders in flight, reports objects the application never released and
// invalidates every handle. Calling it again is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	var pending []chan struct{}
	var leaked []*object
	for _, o := range d.objects {
		if o.frame != nil && o.frame.done != nil {
			pending = append(pending, o.frame.done)
		}
		if o.refs > 0 {
			leaked = append(leaked, o)
		}
	}
	d.mu.Unlock()

	for _, done := range pending {
		<-done
	}
	for _, o := range leaked {
		d.logf(backend.SeverityWarning, "leaked %s %s with %d references", o.handle, o.uuid, o.refs)
	}

	d.mu.Lock()
	d.objects = make(map[uint64]*object)
	d.mu.Unlock()

	d.logf(backend.SeverityInfo, "helide device %s closed", d.id)
	return nil
}

// liveObjects reports how many objects are still allocated, including those only held
// by other objects.
func (d *Device) liveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}
