package backend

import (
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	// EnvironmentLibrary resolves the library name from LibraryEnvVar.
	EnvironmentLibrary = "environment"
	LibraryEnvVar      = "ANARI_LIBRARY"
	DefaultLibrary     = "helide"
	DefaultDevice      = "default"
)

// Driver is implemented by every device library. Libraries register themselves from an
// init function, the same way database/sql drivers do.
type Driver interface {
	// DeviceSubtypes lists the device subtypes, preferred first.
	DeviceSubtypes() []string
	NewDevice(subtype string, status StatusFunc) (Device, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver == nil {
		panic("backend: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("backend: Register called twice for library " + name)
	}
	drivers[name] = driver
}

func Libraries() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Library is a loaded device library.
type Library struct {
	name    string
	driver  Driver
	status  StatusFunc
	devices []Device
	loaded  bool
}

func LoadLibrary(name string, status StatusFunc) (*Library, error) {
	if status == nil {
		status = func(Severity, string) {}
	}

	if name == EnvironmentLibrary {
		name = os.Getenv(LibraryEnvVar)
		if name == "" {
			name = DefaultLibrary
		}
	}

	driversMu.RLock()
	driver, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLibrary, "load library %q (available: %v)", name, Libraries())
	}

	status(SeverityInfo, "loaded library "+name)
	return &Library{
		name:   name,
		driver: driver,
		status: status,
		loaded: true,
	}, nil
}

func (l *Library) Name() string {
	return l.name
}

// NewDevice creates a device; "default" selects the library's preferred subtype.
func (l *Library) NewDevice(subtype string) (Device, error) {
	if !l.loaded {
		return nil, errors.Newf("library %s is unloaded", l.name)
	}

	subtypes := l.driver.DeviceSubtypes()
	if subtype == DefaultDevice && len(subtypes) > 0 {
		subtype = subtypes[0]
	}

	found := false
	for _, s := range subtypes {
		if s == subtype {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Wrapf(ErrUnknownDevice, "library %s: device %q", l.name, subtype)
	}

	device, err := l.driver.NewDevice(subtype, l.status)
	if err != nil {
		return nil, errors.Wrapf(err, "library %s: create device %q", l.name, subtype)
	}
	l.devices = append(l.devices, device)
	return device, nil
}

// Unload closes any device still open and releases the library. Calling it again is a
// no-op.
func (l *Library) Unload() error {
	if !l.loaded {
		return nil
	}
	l.loaded = false

	var err error
	for _, device := range l.devices {
		err = errors.CombineErrors(err, device.Close())
	}
	l.devices = nil
	l.status(SeverityInfo, "unloaded library "+l.name)
	return err
}
