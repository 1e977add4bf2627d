// Package config holds the tutorial settings: built-in defaults, an optional TOML file
// and the command line.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/vkngwrapper/anari-examples/backend"
	"github.com/vkngwrapper/anari-examples/session"
)

// DefaultFile is read when present in the working directory and no --config is given.
const DefaultFile = "anari_tutorial.toml"

// ErrHelp is returned by Parse after the option list has been printed.
var ErrHelp = errors.New("help requested")

type Window struct {
	Title  string `toml:"title"`
	Width  int32  `toml:"width"`
	Height int32  `toml:"height"`
}

type Backend struct {
	Library         string    `toml:"library"`
	Device          string    `toml:"device"`
	Renderer        string    `toml:"renderer"`
	AmbientRadiance float32   `toml:"ambient_radiance"`
	ReferenceSize   [2]uint32 `toml:"reference_size"`
}

type Config struct {
	Window  Window  `toml:"window"`
	Backend Backend `toml:"backend"`

	SaveImages  bool `toml:"save_images"`
	Frames      int  `toml:"frames"`
	Diagnostics bool `toml:"diagnostics"`
}

func Default() Config {
	sessionDefaults := session.DefaultConfig()
	return Config{
		Window: Window{
			Title:  "ANARI Tutorial",
			Width:  640,
			Height: 480,
		},
		Backend: Backend{
			Library:         sessionDefaults.Library,
			Device:          sessionDefaults.Device,
			Renderer:        sessionDefaults.RendererName,
			AmbientRadiance: sessionDefaults.AmbientRadiance,
			ReferenceSize:   sessionDefaults.ReferenceSize,
		},
	}
}

// Load overlays the TOML file at path onto cfg. Keys missing from the file keep their
// current values.
func Load(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// Parse builds the configuration from defaults, the config file and args (without the
// program name). Option help and complaints about unknown options go to out.
func Parse(args []string, out io.Writer) (Config, error) {
	cfg := Default()

	path := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				return cfg, errors.New("--config needs a file name")
			}
			path = args[i+1]
		}
	}
	if path != "" {
		if err := Load(&cfg, path); err != nil {
			return cfg, err
		}
	} else if _, err := os.Stat(DefaultFile); err == nil {
		if err := Load(&cfg, DefaultFile); err != nil {
			return cfg, err
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--save-images" {
			cfg.SaveImages = true
		} else if arg == "--diagnostics" {
			cfg.Diagnostics = true
		} else if arg == "--config" {
			i++
		} else if arg == "--frames" {
			if i+1 >= len(args) {
				return cfg, errors.New("--frames needs a count")
			}
			i++
			frames, err := strconv.Atoi(args[i])
			if err != nil {
				return cfg, errors.Wrapf(err, "--frames %s", args[i])
			}
			cfg.Frames = frames
		} else if arg == "--help" || arg == "-h" {
			printOptions(out)
			return cfg, ErrHelp
		} else {
			fmt.Fprintf(out, "\nUnrecognized option: %s\n", arg)
			fmt.Fprintln(out, "\nUse --help or -h for option list.")
			return cfg, errors.Newf("unrecognized option %s", arg)
		}
	}

	return cfg, cfg.Validate()
}

func printOptions(out io.Writer) {
	fmt.Fprintln(out, "\nOptions")
	fmt.Fprintln(out, "\t--save-images")
	fmt.Fprintln(out, "\t\tSave the first rendered frame as anari_tutorial.png in the current working directory")
	fmt.Fprintln(out, "\t--frames N")
	fmt.Fprintln(out, "\t\tStop after N presented frames")
	fmt.Fprintln(out, "\t--diagnostics")
	fmt.Fprintln(out, "\t\tLog the id channels under the center pixel every frame")
	fmt.Fprintln(out, "\t--config FILE")
	fmt.Fprintf(out, "\t\tRead settings from FILE instead of %s\n", DefaultFile)
}

func (c Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return errors.Newf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}
	if c.Backend.ReferenceSize[0] == 0 || c.Backend.ReferenceSize[1] == 0 {
		return errors.Newf("reference size %dx%d must be positive", c.Backend.ReferenceSize[0], c.Backend.ReferenceSize[1])
	}
	if c.Backend.Library == "" {
		return errors.New("backend library must be set")
	}
	if c.Frames < 0 {
		return errors.Newf("frame count %d is negative", c.Frames)
	}
	return nil
}

// Session converts the backend settings to a session configuration.
func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.Library = c.Backend.Library
	cfg.Device = c.Backend.Device
	if cfg.Device == "" {
		cfg.Device = backend.DefaultDevice
	}
	cfg.RendererName = c.Backend.Renderer
	cfg.AmbientRadiance = c.Backend.AmbientRadiance
	cfg.ReferenceSize = c.Backend.ReferenceSize
	return cfg
}
