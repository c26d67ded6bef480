// Package adapter reads and writes the local Bluetooth adapter's
// Powered/Pairable properties and locates the adapter object to use.
package adapter

import (
	"errors"
	"fmt"
	"log"

	dbus "github.com/godbus/dbus/v5"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/dbusx"
)

// ErrNotFound is returned by Locate when no org.bluez.Adapter1 object is
// currently managed by the daemon.
var ErrNotFound = errors.New("adapter: no bluetooth adapter found")

// Controller operates on a single adapter object path.
type Controller struct {
	bus     dbusx.Session
	Path    dbus.ObjectPath
	verbose *log.Logger
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.verbose != nil {
		c.verbose.Printf(format, args...)
	}
}

// Locate enumerates managed objects under org.bluez and returns a
// Controller bound to the first path whose interfaces include
// org.bluez.Adapter1.
func Locate(bus dbusx.Session, verbose *log.Logger) (*Controller, error) {
	if verbose != nil {
		verbose.Printf("adapter: GetManagedObjects")
	}
	call := bus.Call(bluez.Service, "/", bluez.ObjectManagerIface, "GetManagedObjects")
	if call.Err != nil {
		return nil, fmt.Errorf("adapter: GetManagedObjects: %w", dbusx.ClassifyCallErr(bluez.Service, "/", bluez.ObjectManagerIface+".GetManagedObjects", call.Err))
	}
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("adapter: decode GetManagedObjects: %w", err)
	}
	var best dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[bluez.AdapterIface]; ok {
			if best == "" || path < best {
				best = path
			}
		}
	}
	if best == "" {
		return nil, ErrNotFound
	}
	return &Controller{bus: bus, Path: best, verbose: verbose}, nil
}

// ReadVersion reads the adapter's Modalias property. BlueZ does not
// expose a daemon version number over D-Bus; Modalias is the closest
// available version-adjacent diagnostic and is informational only.
func (c *Controller) ReadVersion() (string, error) {
	c.logf("adapter: Get %s.Modalias: %s", bluez.AdapterIface, c.Path)
	v, err := c.bus.GetProperty(bluez.Service, c.Path, bluez.AdapterIface, "Modalias")
	if err != nil {
		return "", fmt.Errorf("adapter: read version: %w", err)
	}
	s, _ := v.Value().(string)
	return s, nil
}

// EnsurePowered sets Powered=true if it is not already, and confirms the
// change took effect.
func (c *Controller) EnsurePowered() error {
	return c.ensureBool("Powered")
}

// EnsurePairable sets Pairable=true if it is not already, and confirms
// the change took effect.
func (c *Controller) EnsurePairable() error {
	return c.ensureBool("Pairable")
}

func (c *Controller) ensureBool(prop string) error {
	c.logf("adapter: Get %s.%s: %s", bluez.AdapterIface, prop, c.Path)
	v, err := c.bus.GetProperty(bluez.Service, c.Path, bluez.AdapterIface, prop)
	if err != nil {
		return fmt.Errorf("adapter: read %s: %w", prop, err)
	}
	if b, _ := v.Value().(bool); b {
		return nil
	}
	c.logf("adapter: Set %s.%s: %s", bluez.AdapterIface, prop, c.Path)
	if err := c.bus.SetProperty(bluez.Service, c.Path, bluez.AdapterIface, prop, true); err != nil {
		return fmt.Errorf("adapter: set %s: %w", prop, err)
	}
	c.logf("adapter: Get %s.%s: %s (confirm)", bluez.AdapterIface, prop, c.Path)
	v, err = c.bus.GetProperty(bluez.Service, c.Path, bluez.AdapterIface, prop)
	if err != nil {
		return fmt.Errorf("adapter: confirm %s: %w", prop, err)
	}
	if b, _ := v.Value().(bool); !b {
		return fmt.Errorf("adapter: %s remained false after set", prop)
	}
	return nil
}
