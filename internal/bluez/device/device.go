// Package device implements existence checks, property reads, the
// connect-then-pair sequence with progressive retry, trust assertion
// and removal for a single target device.
package device

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/bluez/agent"
	"github.com/pe1hvh/blebond/internal/dbusx"
)

// Retry tuning for the le-connection-abort-by-local race: a small,
// hard-coded budget with linear backoff, per spec. Kept as overridable
// variables rather than literals.
var (
	ConnectRetryAttempts = 5
	ConnectRetryBase     = 1 * time.Second
)

// retryableConnectError is the one BlueZ error text classified as a
// transient RF-timing race rather than a permanent failure.
const retryableConnectError = "le-connection-abort-by-local"

// ErrBondInvalid signals that a connect failure on a device whose Paired
// property was true indicates the remote lost its half of the bond. The
// orchestrator catches this locally and re-pairs; it never surfaces.
var ErrBondInvalid = errors.New("device: bond appears invalid")

// Snapshot is a value object with no identity, recomputed fresh at each
// decision point rather than cached.
type Snapshot struct {
	Exists    bool
	Paired    bool
	Trusted   bool
	Connected bool
}

// Controller operates on one device object path under one adapter.
type Controller struct {
	bus     dbusx.Session
	Adapter dbus.ObjectPath
	Path    dbus.ObjectPath
	verbose *log.Logger
}

// New binds a Controller to the device path derived from target under
// adapter.
func New(bus dbusx.Session, adapter dbus.ObjectPath, target bluez.MAC, verbose *log.Logger) *Controller {
	return &Controller{bus: bus, Adapter: adapter, Path: target.DevicePath(adapter), verbose: verbose}
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.verbose != nil {
		c.verbose.Printf(format, args...)
	}
}

// Exists checks managed-objects enumeration for this device's path,
// rather than trusting property introspection: the daemon can report
// proxy presence for paths that are not true managed objects.
func (c *Controller) Exists() (bool, error) {
	c.logf("device: GetManagedObjects: %s", c.Path)
	call := c.bus.Call(bluez.Service, "/", bluez.ObjectManagerIface, "GetManagedObjects")
	if call.Err != nil {
		return false, fmt.Errorf("device: GetManagedObjects: %w", dbusx.ClassifyCallErr(bluez.Service, "/", bluez.ObjectManagerIface+".GetManagedObjects", call.Err))
	}
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objs); err != nil {
		return false, fmt.Errorf("device: decode GetManagedObjects: %w", err)
	}
	ifaces, ok := objs[c.Path]
	if !ok {
		return false, nil
	}
	_, hasDevice := ifaces[bluez.DeviceIface]
	return hasDevice, nil
}

// IsPaired reads the Paired property.
func (c *Controller) IsPaired() (bool, error) { return c.readBool("Paired") }

// IsTrusted reads the Trusted property.
func (c *Controller) IsTrusted() (bool, error) { return c.readBool("Trusted") }

// IsConnected reads the Connected property.
func (c *Controller) IsConnected() (bool, error) { return c.readBool("Connected") }

func (c *Controller) readBool(prop string) (bool, error) {
	c.logf("device: Get %s.%s: %s", bluez.DeviceIface, prop, c.Path)
	v, err := c.bus.GetProperty(bluez.Service, c.Path, bluez.DeviceIface, prop)
	if err != nil {
		return false, fmt.Errorf("device: read %s: %w", prop, err)
	}
	b, _ := v.Value().(bool)
	return b, nil
}

// Remove calls Adapter1.RemoveDevice. It is idempotent: errors
// indicating the device is already gone are swallowed.
func (c *Controller) Remove() error {
	c.logf("device: RemoveDevice: %s", c.Path)
	call := c.bus.Call(bluez.Service, c.Adapter, bluez.AdapterIface, "RemoveDevice", c.Path)
	if call.Err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(call.Err, &dbusErr) && strings.Contains(dbusErr.Name, "DoesNotExist") {
		return nil
	}
	return fmt.Errorf("device: RemoveDevice: %w", dbusx.ClassifyCallErr(bluez.Service, c.Adapter, bluez.AdapterIface+".RemoveDevice", call.Err))
}

// Trust sets Trusted=true if it is not already true.
func (c *Controller) Trust() error {
	trusted, err := c.IsTrusted()
	if err != nil {
		return err
	}
	if trusted {
		return nil
	}
	c.logf("device: Set %s.Trusted: %s", bluez.DeviceIface, c.Path)
	if err := c.bus.SetProperty(bluez.Service, c.Path, bluez.DeviceIface, "Trusted", true); err != nil {
		return fmt.Errorf("device: set Trusted: %w", err)
	}
	return nil
}

// ConnectWithRetry attempts Connect up to ConnectRetryAttempts times. On
// attempt k (1-indexed) it waits ConnectRetryBase*k before retrying, and
// only retries the one BlueZ error text known to indicate the
// le-connection-abort-by-local RF race; every other error returns
// immediately.
func (c *Controller) ConnectWithRetry(sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= ConnectRetryAttempts; attempt++ {
		c.logf("device: Connect: %s (attempt %d/%d)", c.Path, attempt, ConnectRetryAttempts)
		call := c.bus.Call(bluez.Service, c.Path, bluez.DeviceIface, "Connect")
		if call.Err == nil {
			return nil
		}
		lastErr = call.Err
		if !isRetryableConnectError(call.Err) {
			return c.classifyConnectErr(call.Err)
		}
		c.logf("device: Connect attempt %d/%d failed (%v), retrying", attempt, ConnectRetryAttempts, call.Err)
		if attempt < ConnectRetryAttempts {
			sleep(ConnectRetryBase * time.Duration(attempt))
		}
	}
	return c.classifyConnectErr(lastErr)
}

func isRetryableConnectError(err error) bool {
	return strings.Contains(err.Error(), retryableConnectError)
}

// classifyConnectErr maps a Connect failure to ErrBondInvalid when the
// device is currently Paired (the exact daemon error text classifying a
// stale bond varies across BlueZ versions, so any connect failure on a
// paired device is treated as a stale bond rather than enumerating
// strings), or to a plain wrapped error otherwise. Permission errors
// from dbusx are never reclassified.
func (c *Controller) classifyConnectErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dbusx.ErrPermission) {
		return err
	}
	paired, pairedErr := c.IsPaired()
	if pairedErr == nil && paired {
		return fmt.Errorf("%w: %v", ErrBondInvalid, err)
	}
	return fmt.Errorf("device: Connect: %w", dbusx.ClassifyCallErr(bluez.Service, c.Path, bluez.DeviceIface+".Connect", err))
}

// Verify attempts a connect-then-disconnect probe to decide whether an
// existing bond is still usable. A connect failure classified as
// ErrBondInvalid means invalid; any other error propagates as a pairing
// error.
func (c *Controller) Verify(sleep func(time.Duration)) (valid bool, err error) {
	if err := c.ConnectWithRetry(sleep); err != nil {
		if errors.Is(err, ErrBondInvalid) {
			return false, nil
		}
		return false, err
	}
	c.logf("device: Disconnect: %s", c.Path)
	if call := c.bus.Call(bluez.Service, c.Path, bluez.DeviceIface, "Disconnect"); call.Err != nil {
		return false, fmt.Errorf("device: Disconnect: %w", dbusx.ClassifyCallErr(bluez.Service, c.Path, bluez.DeviceIface+".Disconnect", call.Err))
	}
	return true, nil
}

// Pair registers ag, connects (BLE SMP must run over an existing L2CAP
// link; calling Pair without a connection causes the daemon to attempt
// BR/EDR paging and fail with Page Timeout on BLE-only peripherals),
// then pairs, unregistering ag on every exit path.
func (c *Controller) Pair(ag *agent.Agent, sleep func(time.Duration)) error {
	if err := agent.Register(c.bus, ag); err != nil {
		return fmt.Errorf("device: pair: %w", err)
	}
	defer agent.Unregister(c.bus, ag)

	if err := c.ConnectWithRetry(sleep); err != nil {
		return fmt.Errorf("device: pair: connect: %w", err)
	}
	c.logf("device: Pair: %s", c.Path)
	if call := c.bus.Call(bluez.Service, c.Path, bluez.DeviceIface, "Pair"); call.Err != nil {
		return fmt.Errorf("device: Pair: %w", dbusx.ClassifyCallErr(bluez.Service, c.Path, bluez.DeviceIface+".Pair", call.Err))
	}
	return nil
}
