package main

import (
	"log"
	"log/slog"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	_ "github.com/vkngwrapper/anari-examples/backend/helide"
	"github.com/vkngwrapper/anari-examples/config"
	"github.com/vkngwrapper/anari-examples/frameloop"
	"github.com/vkngwrapper/anari-examples/meshes"
	"github.com/vkngwrapper/anari-examples/session"
	"github.com/vkngwrapper/anari-examples/window"
)

const screenshotFile = "anari_tutorial.png"

type TutorialApplication struct {
	cfg    config.Config
	logger *slog.Logger

	window  *window.Window
	session *session.Session
}

func (app *TutorialApplication) Run() error {
	defer app.cleanup()

	err := app.initWindow()
	if err != nil {
		return err
	}

	err = app.initRenderer()
	if err != nil {
		return err
	}

	return app.mainLoop()
}

func (app *TutorialApplication) initWindow() error {
	w, err := window.Create(window.Options{
		Title:  app.cfg.Window.Title,
		Width:  app.cfg.Window.Width,
		Height: app.cfg.Window.Height,
	}, app.keyPressed)
	if err != nil {
		return err
	}
	app.window = w
	return nil
}

func (app *TutorialApplication) keyPressed(key sdl.Keycode, pressed bool) {
	if pressed {
		app.logger.Debug("key pressed", "key", sdl.GetKeyName(key))
	}
}

func (app *TutorialApplication) initRenderer() error {
	app.session = session.New(app.cfg.Session(), session.StatusLogger(app.logger))

	err := app.session.Initialize()
	if err != nil {
		return err
	}

	mesh, err := meshes.Quad()
	if err != nil {
		return err
	}

	err = app.session.BuildScene(mesh)
	if err != nil {
		return err
	}

	width, height := app.window.DrawableSize()
	if width == 0 || height == 0 {
		width, height = uint32(app.cfg.Window.Width), uint32(app.cfg.Window.Height)
	}
	return app.session.SetupFrameTarget(width, height)
}

func (app *TutorialApplication) mainLoop() error {
	loop := &frameloop.Loop{
		Surface:     app.window,
		Renderer:    app.session,
		Clock:       frameloop.NewClock(),
		Logger:      app.logger,
		Diagnostics: app.cfg.Diagnostics,
		MaxFrames:   app.cfg.Frames,
	}

	if app.cfg.SaveImages {
		// Captured at t=0 so the image does not depend on the window being visible.
		err := app.session.Animate(0)
		if err != nil {
			return err
		}
		err = app.session.RenderAndWait()
		if err != nil {
			return err
		}
		err = app.session.WritePNG(screenshotFile)
		if err != nil {
			return err
		}
		app.logger.Info("saved image", "file", screenshotFile)
	}

	err := loop.Run()
	if err != nil {
		return err
	}

	stats := loop.Stats()
	app.logger.Info("frame loop stopped", "frames", stats.Frames, "skipped", stats.Skipped)
	return nil
}

func (app *TutorialApplication) cleanup() {
	if app.session != nil {
		if err := app.session.Close(); err != nil {
			log.Printf("close session: %+v\n", err)
		}
		app.session = nil
	}

	if app.window != nil {
		app.window.Destroy()
		app.window = nil
	}
}

func main() {
	runtime.LockOSThread()

	cfg, err := config.Parse(os.Args[1:], os.Stdout)
	if errors.Is(err, config.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("%+v\n", err)
	}

	app := &TutorialApplication{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	err = app.Run()
	if err != nil {
		log.Fatalf("%+v\n", err)
	}
}
