// Package window owns the SDL2 window the tutorial presents into.
package window

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"
)

// KeyFunc observes every key transition delivered during PollEvents.
type KeyFunc func(key sdl.Keycode, pressed bool)

type Options struct {
	Title  string
	Width  int32
	Height int32
}

type Window struct {
	window   *sdl.Window
	renderer *sdl.Renderer
	texture  *sdl.Texture
	texW     int32
	texH     int32

	onKey       KeyFunc
	shouldClose bool
	destroyed   bool
}

// Create opens the window and the renderer that presents into it. On failure nothing is
// left open.
func Create(opts Options, onKey KeyFunc) (*Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "init sdl")
	}

	window, err := sdl.CreateWindow(opts.Title, sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		opts.Width, opts.Height, sdl.WINDOW_SHOWN|sdl.WINDOW_RESIZABLE|sdl.WINDOW_ALLOW_HIGHDPI)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrap(err, "create window")
	}

	renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED|sdl.RENDERER_PRESENTVSYNC)
	if err != nil {
		_ = window.Destroy()
		sdl.Quit()
		return nil, errors.Wrap(err, "create renderer")
	}

	return &Window{
		window:   window,
		renderer: renderer,
		onKey:    onKey,
	}, nil
}

func (w *Window) ShouldClose() bool {
	return w.shouldClose
}

func (w *Window) SetShouldClose(close bool) {
	w.shouldClose = close
}

// DrawableSize is the size of the drawable area in pixels, which can differ from the
// window size on high-DPI displays.
func (w *Window) DrawableSize() (uint32, uint32) {
	width, height, err := w.renderer.GetOutputSize()
	if err != nil {
		width, height = w.window.GetSize()
	}
	if width < 0 || height < 0 {
		return 0, 0
	}
	return uint32(width), uint32(height)
}

// PollEvents delivers pending events. A quit request or an Escape press sets the close
// flag; every key transition is forwarded to the observer.
func (w *Window) PollEvents() {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		w.handleEvent(event)
	}
}

func (w *Window) handleEvent(event sdl.Event) {
	switch e := event.(type) {
	case *sdl.QuitEvent:
		w.shouldClose = true
	case *sdl.KeyboardEvent:
		if e.Repeat != 0 {
			return
		}
		pressed := e.State == sdl.PRESSED
		if pressed && e.Keysym.Sym == sdl.K_ESCAPE {
			w.shouldClose = true
		}
		if w.onKey != nil {
			w.onKey(e.Keysym.Sym, pressed)
		}
	}
}

// Present copies a bottom-up RGBA8 image into the window and swaps buffers.
func (w *Window) Present(pixels []byte, width, height uint32) error {
	if want := int(width) * int(height) * 4; len(pixels) != want {
		return errors.Newf("present: got %d bytes for %dx%d, want %d", len(pixels), width, height, want)
	}
	if width == 0 || height == 0 {
		return nil
	}

	if err := w.ensureTexture(int32(width), int32(height)); err != nil {
		return err
	}

	dst, pitch, err := w.texture.Lock(nil)
	if err != nil {
		return errors.Wrap(err, "lock texture")
	}
	copyFlipped(dst, pitch, pixels, int(width), int(height))
	w.texture.Unlock()

	if err := w.renderer.Clear(); err != nil {
		return errors.Wrap(err, "clear")
	}
	if err := w.renderer.Copy(w.texture, nil, nil); err != nil {
		return errors.Wrap(err, "copy texture")
	}
	w.renderer.Present()
	return nil
}

// copyFlipped writes bottom-up rows of src into the top-down rows of dst.
func copyFlipped(dst []byte, pitch int, src []byte, width, height int) {
	rowBytes := width * 4
	for y := 0; y < height; y++ {
		srcRow := src[(height-1-y)*rowBytes : (height-y)*rowBytes]
		copy(dst[y*pitch:y*pitch+rowBytes], srcRow)
	}
}

func (w *Window) ensureTexture(width, height int32) error {
	if w.texture != nil && w.texW == width && w.texH == height {
		return nil
	}
	if w.texture != nil {
		_ = w.texture.Destroy()
		w.texture = nil
	}

	// ABGR8888 is R, G, B, A in memory on little-endian hosts.
	texture, err := w.renderer.CreateTexture(sdl.PIXELFORMAT_ABGR8888, sdl.TEXTUREACCESS_STREAMING, width, height)
	if err != nil {
		return errors.Wrapf(err, "create %dx%d texture", width, height)
	}
	w.texture = texture
	w.texW, w.texH = width, height
	return nil
}

// Destroy closes the window. Only the first call does anything.
func (w *Window) Destroy() {
	if w.destroyed {
		return
	}
	w.destroyed = true

	if w.texture != nil {
		_ = w.texture.Destroy()
		w.texture = nil
	}
	if w.renderer != nil {
		_ = w.renderer.Destroy()
		w.renderer = nil
	}
	if w.window != nil {
		_ = w.window.Destroy()
		w.window = nil
	}
	sdl.Quit()
}
