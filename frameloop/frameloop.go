// Package frameloop drives the per-frame cycle between a display surface and a render
// session: poll events, follow the drawable size, animate, render, map, present, unmap.
package frameloop

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"

	"github.com/vkngwrapper/anari-examples/backend"
	"github.com/vkngwrapper/anari-examples/session"
)

type Surface interface {
	ShouldClose() bool
	PollEvents()
	DrawableSize() (uint32, uint32)
	Present(pixels []byte, width, height uint32) error
}

type Renderer interface {
	ResizeFrameTarget(width, height uint32) error
	Animate(t float64) error
	RenderAndWait() error
	MapColorChannel() (backend.MappedChannel, error)
	UnmapColorChannel() error
}

// IDSampler is implemented by renderers that can report the id channels at a pixel.
type IDSampler interface {
	SampleIDs(x, y uint32) (session.IDs, error)
}

// RenderTimer is implemented by renderers that know how long their last render took.
type RenderTimer interface {
	RenderDuration() (time.Duration, error)
}

type Clock interface {
	Elapsed() time.Duration
}

type hrClock struct {
	start time.Duration
}

// NewClock starts a clock on the high resolution timer.
func NewClock() Clock {
	return &hrClock{start: hrtime.Now()}
}

func (c *hrClock) Elapsed() time.Duration {
	return hrtime.Since(c.start)
}

type State int

const (
	Running State = iota
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Stats struct {
	Frames  int
	Skipped int
	Width   uint32
	Height  uint32
}

type Loop struct {
	Surface  Surface
	Renderer Renderer
	Clock    Clock
	Logger   *slog.Logger

	// Diagnostics logs the render time and the id channels under the center pixel after
	// every frame.
	Diagnostics bool
	// MaxFrames stops the loop after that many presented frames. Zero runs until the
	// surface asks to close.
	MaxFrames int

	state  State
	width  uint32
	height uint32
	stats  Stats
}

func (l *Loop) State() State {
	return l.state
}

func (l *Loop) Stats() Stats {
	return l.stats
}

// Run steps the loop until the surface asks to close, MaxFrames is reached or a step
// fails. The loop is Stopped when Run returns.
func (l *Loop) Run() error {
	if l.Surface == nil || l.Renderer == nil {
		return errors.New("frame loop needs a surface and a renderer")
	}
	if l.Clock == nil {
		l.Clock = NewClock()
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}

	l.state = Running
	defer func() { l.state = Stopped }()

	for !l.Surface.ShouldClose() {
		if err := l.Step(); err != nil {
			return err
		}
		if l.MaxFrames > 0 && l.stats.Frames >= l.MaxFrames {
			break
		}
	}
	return nil
}

// Step runs a single iteration. A zero drawable size, as when the window is minimized,
// skips rendering for this iteration.
func (l *Loop) Step() error {
	l.Surface.PollEvents()
	if l.Surface.ShouldClose() {
		return nil
	}

	width, height := l.Surface.DrawableSize()
	if width == 0 || height == 0 {
		l.stats.Skipped++
		return nil
	}
	if width != l.width || height != l.height {
		if err := l.Renderer.ResizeFrameTarget(width, height); err != nil {
			return errors.Wrapf(err, "resize frame to %dx%d", width, height)
		}
		l.width, l.height = width, height
		l.stats.Width, l.stats.Height = width, height
	}

	t := l.Clock.Elapsed().Seconds()
	if err := l.Renderer.Animate(t); err != nil {
		return errors.Wrap(err, "animate")
	}
	if err := l.Renderer.RenderAndWait(); err != nil {
		return errors.Wrap(err, "render")
	}

	color, err := l.Renderer.MapColorChannel()
	if err != nil {
		return errors.Wrap(err, "map color channel")
	}
	err = l.Surface.Present(color.Data, color.Width, color.Height)
	err = errors.CombineErrors(err, l.Renderer.UnmapColorChannel())
	if err != nil {
		return err
	}
	l.stats.Frames++

	if l.Diagnostics {
		l.logRenderTime()
		l.logCenterIDs(width, height)
	}
	return nil
}

func (l *Loop) logRenderTime() {
	timer, ok := l.Renderer.(RenderTimer)
	if !ok {
		return
	}
	elapsed, err := timer.RenderDuration()
	if err != nil {
		l.Logger.Warn("render time", "error", err)
		return
	}
	l.Logger.Info("render time", "frame", l.stats.Frames, "render", elapsed)
}

func (l *Loop) logCenterIDs(width, height uint32) {
	sampler, ok := l.Renderer.(IDSampler)
	if !ok {
		return
	}
	ids, err := sampler.SampleIDs(width/2, height/2)
	if err != nil {
		l.Logger.Warn("sample ids", "error", err)
		return
	}
	l.Logger.Info("center pixel",
		"frame", l.stats.Frames,
		"primitive", ids.Primitive,
		"object", ids.Object,
		"instance", ids.Instance)
}
