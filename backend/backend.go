// Package backend is the boundary between the tutorial and a rendering device.
//
// A device owns every scene object. The application creates objects by type and subtype,
// sets named parameters on them, commits them, and hands them to parents which retain
// them. Frames are rendered asynchronously, waited on, and their output channels are
// exposed through short-lived mappings of device-owned memory.
package backend

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a status message emitted by a device.
type Severity int

const (
	SeverityFatalError Severity = iota
	SeverityError
	SeverityWarning
	SeverityPerformanceWarning
	SeverityInfo
	SeverityDebug
)

func (s Severity) String() string {
	switch s {
	case SeverityFatalError:
		return "fatal"
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityPerformanceWarning:
		return "performance"
	case SeverityInfo:
		return "info"
	case SeverityDebug:
		return "debug"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// StatusFunc receives status messages from a library or device. It may be called from
// any goroutine, including the one finishing a render.
type StatusFunc func(severity Severity, message string)

type ObjectType int

const (
	ObjectArray1D ObjectType = iota + 1
	ObjectCamera
	ObjectGeometry
	ObjectMaterial
	ObjectSurface
	ObjectWorld
	ObjectRenderer
	ObjectFrame
)

func (t ObjectType) String() string {
	switch t {
	case ObjectArray1D:
		return "array1d"
	case ObjectCamera:
		return "camera"
	case ObjectGeometry:
		return "geometry"
	case ObjectMaterial:
		return "material"
	case ObjectSurface:
		return "surface"
	case ObjectWorld:
		return "world"
	case ObjectRenderer:
		return "renderer"
	case ObjectFrame:
		return "frame"
	}
	return fmt.Sprintf("ObjectType(%d)", int(t))
}

// Object is a handle to a device-owned object. The zero value is the invalid handle.
type Object struct {
	typ ObjectType
	id  uint64
}

// NewObjectHandle is used by device implementations to mint handles.
func NewObjectHandle(typ ObjectType, id uint64) Object {
	return Object{typ: typ, id: id}
}

func (o Object) Type() ObjectType { return o.typ }
func (o Object) ID() uint64       { return o.id }
func (o Object) Valid() bool      { return o.id != 0 }

func (o Object) String() string {
	if !o.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%s#%d", o.typ, o.id)
}

// DataType describes the element type of a frame channel.
type DataType int

const (
	DataTypeUnknown DataType = iota
	// UFixed8RGBASRGB is four 8-bit sRGB-encoded components per pixel.
	UFixed8RGBASRGB
	Uint32
)

func (t DataType) Size() int {
	switch t {
	case UFixed8RGBASRGB, Uint32:
		return 4
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case UFixed8RGBASRGB:
		return "UFIXED8_RGBA_SRGB"
	case Uint32:
		return "UINT32"
	}
	return "UNKNOWN"
}

type WaitMode int

const (
	WaitBlocking WaitMode = iota
	WaitPoll
)

// FrameCompletionFunc is set as a frame's completion callback parameter. It is advisory:
// ordering must come from Device.Wait.
type FrameCompletionFunc func(frame Object)

// Frame channel parameter names.
const (
	ChannelColor       = "channel.color"
	ChannelPrimitiveID = "channel.primitiveId"
	ChannelObjectID    = "channel.objectId"
	ChannelInstanceID  = "channel.instanceId"
)

// Extension names advertised by devices.
const (
	ExtensionTriangleGeometry        = "ANARI_KHR_GEOMETRY_TRIANGLE"
	ExtensionPerspectiveCamera       = "ANARI_KHR_CAMERA_PERSPECTIVE"
	ExtensionMatteMaterial           = "ANARI_KHR_MATERIAL_MATTE"
	ExtensionFrameCompletionCallback = "ANARI_KHR_FRAME_COMPLETION_CALLBACK"
	ExtensionPrimitiveIDChannel      = "ANARI_KHR_FRAME_CHANNEL_PRIMITIVE_ID"
	ExtensionObjectIDChannel         = "ANARI_KHR_FRAME_CHANNEL_OBJECT_ID"
	ExtensionInstanceIDChannel       = "ANARI_KHR_FRAME_CHANNEL_INSTANCE_ID"
)

// NoID is written to id channels where nothing was hit.
const NoID = ^uint32(0)

// MappedChannel is a read-only view of a frame channel. Data belongs to the device and is
// only valid until the matching Unmap. Rows are stored bottom-up.
type MappedChannel struct {
	Data   []byte
	Width  uint32
	Height uint32
	Type   DataType
}

func (m MappedChannel) PixelCount() int {
	return int(m.Width) * int(m.Height)
}

// Uint32At reads a Uint32 channel element. Row 0 is the bottom row.
func (m MappedChannel) Uint32At(x, y uint32) (uint32, bool) {
	if m.Type != Uint32 || x >= m.Width || y >= m.Height {
		return 0, false
	}
	offset := (int(y)*int(m.Width) + int(x)) * 4
	if offset+4 > len(m.Data) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Data[offset:]), true
}

// Device is a loaded rendering device. Calls on a device are expected from one goroutine;
// only the completion callback and status messages arrive from elsewhere.
type Device interface {
	ID() uuid.UUID
	Extensions() []string

	// NewArray1D copies data into a device-owned array. Supported element slices are
	// []mgl32.Vec3, []mgl32.Vec4, [][3]uint32 and []Object.
	NewArray1D(data any) (Object, error)
	NewObject(typ ObjectType, subtype string) (Object, error)

	SetParameter(obj Object, name string, value any) error
	UnsetParameter(obj Object, name string) error
	Commit(obj Object) error

	Retain(obj Object) error
	Release(obj Object) error

	Render(frame Object) error
	Wait(frame Object, mode WaitMode) (bool, error)
	Map(frame Object, channel string) (MappedChannel, error)
	Unmap(frame Object, channel string) error

	Close() error
}

// RenderTimer is implemented by devices that measure how long a frame took to render.
type RenderTimer interface {
	RenderDuration(frame Object) (time.Duration, error)
}

func HasExtension(d Device, name string) bool {
	for _, ext := range d.Extensions() {
		if ext == name {
			return true
		}
	}
	return false
}
