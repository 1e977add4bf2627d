package session

import (
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/anari-examples/backend"
	"github.com/vkngwrapper/anari-examples/backend/helide"
)

// recordingDevice counts references per handle so tests can catch double releases.
type recordingDevice struct {
	*helide.Device

	mu       sync.Mutex
	retains  map[backend.Object]int
	releases map[backend.Object]int
}

func (d *recordingDevice) Retain(obj backend.Object) error {
	d.mu.Lock()
	d.retains[obj]++
	d.mu.Unlock()
	return d.Device.Retain(obj)
}

func (d *recordingDevice) Release(obj backend.Object) error {
	d.mu.Lock()
	d.releases[obj]++
	d.mu.Unlock()
	return d.Device.Release(obj)
}

func (d *recordingDevice) doubleReleases() []backend.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	var doubles []backend.Object
	for obj, n := range d.releases {
		if n > 1+d.retains[obj] {
			doubles = append(doubles, obj)
		}
	}
	return doubles
}

type recordingDriver struct {
	mu      sync.Mutex
	devices []*recordingDevice
}

func (r *recordingDriver) DeviceSubtypes() []string { return []string{"recording"} }

func (r *recordingDriver) NewDevice(subtype string, status backend.StatusFunc) (backend.Device, error) {
	device := &recordingDevice{
		Device:   helide.NewDevice(status),
		retains:  make(map[backend.Object]int),
		releases: make(map[backend.Object]int),
	}
	r.mu.Lock()
	r.devices = append(r.devices, device)
	r.mu.Unlock()
	return device, nil
}

func (r *recordingDriver) last() *recordingDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[len(r.devices)-1]
}

var recorder = &recordingDriver{}

func init() {
	backend.Register("recording", recorder)
}

type statusLog struct {
	mu       sync.Mutex
	messages []string
}

func (l *statusLog) record(severity backend.Severity, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, severity.String()+": "+message)
}

func (l *statusLog) matching(substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, m := range l.messages {
		if strings.Contains(m, substr) {
			out = append(out, m)
		}
	}
	return out
}

func testMesh() Mesh {
	return Mesh{
		Positions: []mgl32.Vec3{{-1, -1, 3}, {-1, 1, 3}, {1, -1, 3}, {1, 1, 3}},
		Colors: []mgl32.Vec4{
			{0.9, 0.5, 0.5, 1},
			{0.8, 0.8, 0.8, 1},
			{0.8, 0.8, 0.8, 1},
			{0.5, 0.9, 0.5, 1},
		},
		Indices: [][3]uint32{{0, 1, 2}, {1, 2, 3}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Library = "recording"
	return cfg
}

func newReadySession(t *testing.T, log *statusLog, width, height uint32) *Session {
	t.Helper()
	s := New(testConfig(), log.record)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.BuildScene(testMesh()))
	require.NoError(t, s.SetupFrameTarget(width, height))
	return s
}

func TestRenderMapUnmap(t *testing.T) {
	log := &statusLog{}
	s := newReadySession(t, log, 64, 48)

	require.NoError(t, s.Animate(0))
	require.NoError(t, s.RenderAndWait())

	m, err := s.MapColorChannel()
	require.NoError(t, err)
	assert.Equal(t, uint32(64), m.Width)
	assert.Equal(t, uint32(48), m.Height)
	assert.Len(t, m.Data, 64*48*4)
	require.NoError(t, s.UnmapColorChannel())

	device := recorder.last()
	require.NoError(t, s.Close())
	assert.Empty(t, device.doubleReleases())
	assert.Empty(t, log.matching("leaked"))
	assert.NotEmpty(t, log.matching("completed"))
}

func TestResizeMatchesNextMapping(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 64, 48)
	defer s.Close()

	for _, size := range [][2]uint32{{32, 20}, {7, 3}, {100, 1}} {
		require.NoError(t, s.ResizeFrameTarget(size[0], size[1]))
		require.NoError(t, s.RenderAndWait())

		m, err := s.MapColorChannel()
		require.NoError(t, err)
		assert.Equal(t, int(size[0]*size[1]), m.PixelCount())
		assert.Len(t, m.Data, int(size[0]*size[1]*4))
		require.NoError(t, s.UnmapColorChannel())
	}

	w, h := s.FrameSize()
	assert.Equal(t, uint32(100), w)
	assert.Equal(t, uint32(1), h)

	err := s.ResizeFrameTarget(0, 10)
	assert.True(t, errors.Is(err, ErrInvalidSize))
}

func TestMappingDiscipline(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 8, 8)
	defer s.Close()

	_, err := s.MapColorChannel()
	assert.True(t, errors.Is(err, ErrNotRendered))
	assert.True(t, errors.Is(s.UnmapColorChannel(), ErrNotMapped))

	require.NoError(t, s.RenderAndWait())
	_, err = s.MapColorChannel()
	require.NoError(t, err)

	_, err = s.MapColorChannel()
	assert.True(t, errors.Is(err, ErrAlreadyMapped))
	assert.True(t, errors.Is(s.RenderAndWait(), ErrAlreadyMapped))

	require.NoError(t, s.UnmapColorChannel())
	assert.True(t, errors.Is(s.UnmapColorChannel(), ErrNotMapped))
	require.NoError(t, s.RenderAndWait())
}

func TestCloseWhileMapped(t *testing.T) {
	log := &statusLog{}
	s := newReadySession(t, log, 8, 8)
	require.NoError(t, s.RenderAndWait())
	_, err := s.MapColorChannel()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Empty(t, log.matching("leaked"))
}

func TestAnimationScenario(t *testing.T) {
	base := testMesh().Colors

	pose := PoseAt(0)
	assert.Equal(t, mgl32.Vec3{0, 0, 0}, pose.Position)
	colors := MeshColorsAt(base, 0)
	assert.InDelta(t, 0.0, colors[0][0], 1e-6)
	assert.InDelta(t, 1.0, colors[3][0], 1e-6)

	pose = PoseAt(math.Pi / 2)
	assert.InDelta(t, 0.0, pose.Position[0], 1e-6)
	assert.InDelta(t, 1.0, pose.Position[1], 1e-6)
	assert.InDelta(t, 0.0, pose.Position[2], 1e-6)
	colors = MeshColorsAt(base, math.Pi/2)
	assert.InDelta(t, 1.0, colors[0][0], 1e-6)
	assert.InDelta(t, 0.0, colors[3][0], 1e-6)

	// only the two animated channels move
	assert.Equal(t, base[1], colors[1])
	assert.Equal(t, base[2], colors[2])
	assert.Equal(t, base[0][1:], colors[0][1:])
	assert.Equal(t, float32(0.9), base[0][0])
}

func TestAnimateUpdatesPose(t *testing.T) {
	for _, elapsed := range []float64{0, 0.3, 1.7, 12} {
		s := newReadySession(t, &statusLog{}, 4, 4)
		require.NoError(t, s.Animate(elapsed))
		assert.InDelta(t, math.Sin(elapsed), s.Pose().Position[1], 1e-6)
		assert.Equal(t, DefaultPose().Direction, s.Pose().Direction)
		require.NoError(t, s.RenderAndWait())
		require.NoError(t, s.Close())
	}
}

func TestCloseAfterPartialInitialization(t *testing.T) {
	t.Run("unknown library", func(t *testing.T) {
		cfg := testConfig()
		cfg.Library = "no-such-library"
		s := New(cfg, nil)
		assert.True(t, errors.Is(s.Initialize(), backend.ErrUnknownLibrary))
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
	})

	t.Run("device only", func(t *testing.T) {
		log := &statusLog{}
		s := New(testConfig(), log.record)
		require.NoError(t, s.Initialize())
		device := recorder.last()
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Empty(t, device.doubleReleases())
		assert.Empty(t, log.matching("leaked"))
	})

	t.Run("scene without frame", func(t *testing.T) {
		log := &statusLog{}
		s := New(testConfig(), log.record)
		require.NoError(t, s.Initialize())
		require.NoError(t, s.BuildScene(testMesh()))
		device := recorder.last()
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Empty(t, device.doubleReleases())
		assert.Empty(t, log.matching("leaked"))
	})

	t.Run("invalid mesh", func(t *testing.T) {
		s := New(testConfig(), nil)
		require.NoError(t, s.Initialize())
		mesh := testMesh()
		mesh.Indices = append(mesh.Indices, [3]uint32{0, 1, 9})
		assert.Error(t, s.BuildScene(mesh))
		require.NoError(t, s.Close())
	})
}

func TestOperationsBeforeSetup(t *testing.T) {
	s := New(testConfig(), nil)
	assert.True(t, errors.Is(s.BuildScene(testMesh()), ErrNotInitialized))
	assert.True(t, errors.Is(s.SetupFrameTarget(4, 4), ErrNotInitialized))
	assert.True(t, errors.Is(s.RenderAndWait(), ErrNoFrame))
	assert.True(t, errors.Is(s.ResizeFrameTarget(4, 4), ErrNoFrame))
	assert.True(t, errors.Is(s.Animate(1), ErrNoFrame))

	require.NoError(t, s.Initialize())
	defer s.Close()
	assert.True(t, errors.Is(s.SetupFrameTarget(4, 4), ErrSceneMissing))
}

func TestFrameAdoptsSceneHandles(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 4, 4)
	defer s.Close()

	assert.False(t, s.camera.valid())
	assert.False(t, s.world.valid())
	assert.False(t, s.renderer.valid())
	assert.True(t, s.cameraPose.valid())
	assert.True(t, s.frame.valid())
}

func TestSampleIDs(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 64, 48)
	defer s.Close()
	require.NoError(t, s.RenderAndWait())

	ids, err := s.SampleIDs(32, 24)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ids.Object)
	assert.Equal(t, backend.NoID, ids.Instance)
	assert.Contains(t, []uint32{0, 1}, ids.Primitive)

	// every id channel was unmapped again
	_, err = s.MapColorChannel()
	require.NoError(t, err)
	require.NoError(t, s.UnmapColorChannel())
}

func TestWritePNG(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 20, 10)
	defer s.Close()
	require.NoError(t, s.RenderAndWait())

	filename := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, s.WritePNG(filename))

	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())
}

func TestColorImageFlipsRows(t *testing.T) {
	m := backend.MappedChannel{
		Data:   []byte{1, 2, 3, 255, 9, 8, 7, 255},
		Width:  1,
		Height: 2,
		Type:   backend.UFixed8RGBASRGB,
	}
	img, err := ColorImage(m)
	require.NoError(t, err)
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(9)*0x101, r)

	m.Type = backend.Uint32
	_, err = ColorImage(m)
	assert.Error(t, err)
}

func TestStatusLoggerLevels(t *testing.T) {
	assert.Equal(t, "ERROR", levelFor(backend.SeverityFatalError).String())
	assert.Equal(t, "WARN", levelFor(backend.SeverityPerformanceWarning).String())
	assert.Equal(t, "INFO", levelFor(backend.SeverityInfo).String())
	assert.Equal(t, "DEBUG", levelFor(backend.SeverityDebug).String())
}

// bareDevice is a software device that advertises no extensions.
type bareDevice struct {
	*helide.Device
}

func (d *bareDevice) Extensions() []string { return nil }

type bareDriver struct{}

func (bareDriver) DeviceSubtypes() []string { return []string{"bare"} }

func (bareDriver) NewDevice(subtype string, status backend.StatusFunc) (backend.Device, error) {
	return &bareDevice{Device: helide.NewDevice(status)}, nil
}

func init() {
	backend.Register("bare", bareDriver{})
}

func TestMissingExtensionsAreLogged(t *testing.T) {
	log := &statusLog{}
	cfg := testConfig()
	cfg.Library = "bare"
	s := New(cfg, log.record)
	defer s.Close()

	require.NoError(t, s.Initialize())

	missing := log.matching("does not support")
	require.Len(t, missing, len(RequiredExtensions))
	for i, ext := range RequiredExtensions {
		assert.True(t, strings.HasPrefix(missing[i], "warning: "), missing[i])
		assert.Contains(t, missing[i], ext)
	}

	require.NoError(t, s.BuildScene(testMesh()))
	require.NoError(t, s.SetupFrameTarget(8, 8))
	require.NoError(t, s.RenderAndWait())
}

func TestBuildSceneTwice(t *testing.T) {
	log := &statusLog{}
	s := New(testConfig(), log.record)
	require.NoError(t, s.Initialize())
	require.NoError(t, s.BuildScene(testMesh()))
	assert.True(t, errors.Is(s.BuildScene(testMesh()), ErrSceneBuilt))

	require.NoError(t, s.SetupFrameTarget(8, 8))
	assert.True(t, errors.Is(s.BuildScene(testMesh()), ErrSceneBuilt))

	require.NoError(t, s.Close())
	assert.Empty(t, log.matching("leaked"))
}

func TestRenderDuration(t *testing.T) {
	s := newReadySession(t, &statusLog{}, 32, 24)
	defer s.Close()

	_, err := s.RenderDuration()
	assert.True(t, errors.Is(err, ErrNotRendered))

	require.NoError(t, s.RenderAndWait())
	elapsed, err := s.RenderDuration()
	require.NoError(t, err)
	assert.Greater(t, elapsed, time.Duration(0))
}
