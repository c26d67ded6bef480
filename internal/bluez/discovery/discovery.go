// Package discovery drives adapter discovery restricted to the BLE
// transport and blocks until a target device's InterfacesAdded signal
// appears or a timeout elapses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/dbusx"
)

// ErrTimeout is returned when the target device is not seen within the
// configured bound.
var ErrTimeout = errors.New("discovery: timed out waiting for device")

// Defaults per spec: kept as named constants, not literals. Callers pass
// the timeout to Discover and inject the sleep used for the settle delay.
const (
	DefaultTimeout = 30 * time.Second
	SettleDelay    = 2 * time.Second
)

// Discover installs a BLE-only discovery filter, starts discovery, and
// waits for an InterfacesAdded signal naming the target's device path.
// It always stops discovery and unsubscribes before returning, on both
// the success and timeout paths, and sleeps SettleDelay after a
// successful find so the daemon releases scan state before the caller
// attempts to connect (without it, connect observes the
// le-connection-abort-by-local race).
func Discover(ctx context.Context, bus dbusx.Session, adapter dbus.ObjectPath, target bluez.MAC, timeout time.Duration, sleep func(time.Duration), verbose *log.Logger) (dbus.ObjectPath, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	logf := func(format string, args ...interface{}) {
		if verbose != nil {
			verbose.Printf(format, args...)
		}
	}
	wantPath := target.DevicePath(adapter)

	filter := map[string]interface{}{"Transport": "le"}
	logf("discovery: SetDiscoveryFilter(%s, Transport=le)", adapter)
	if call := bus.Call(bluez.Service, adapter, bluez.AdapterIface, "SetDiscoveryFilter", filter); call.Err != nil {
		return "", fmt.Errorf("discovery: SetDiscoveryFilter: %w", dbusx.ClassifyCallErr(bluez.Service, adapter, bluez.AdapterIface+".SetDiscoveryFilter", call.Err))
	}

	// Subscribe before starting discovery to avoid a missed-signal race.
	sigCh, cancel, err := bus.Subscribe(dbusx.MatchRule{
		Interface: bluez.ObjectManagerIface,
		Member:    "InterfacesAdded",
	})
	if err != nil {
		return "", fmt.Errorf("discovery: subscribe: %w", err)
	}
	defer cancel()

	logf("discovery: StartDiscovery(%s)", adapter)
	if call := bus.Call(bluez.Service, adapter, bluez.AdapterIface, "StartDiscovery"); call.Err != nil {
		return "", fmt.Errorf("discovery: StartDiscovery: %w", dbusx.ClassifyCallErr(bluez.Service, adapter, bluez.AdapterIface+".StartDiscovery", call.Err))
	}
	stopDiscovery := func() {
		logf("discovery: StopDiscovery(%s)", adapter)
		_ = bus.Call(bluez.Service, adapter, bluez.AdapterIface, "StopDiscovery").Err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			stopDiscovery()
			return "", fmt.Errorf("discovery: canceled: %w", ctx.Err())
		case <-timer.C:
			stopDiscovery()
			return "", ErrTimeout
		case sig, ok := <-sigCh:
			if !ok {
				stopDiscovery()
				return "", errors.New("discovery: signal channel closed")
			}
			path, matched := matchInterfacesAdded(sig, wantPath)
			if !matched {
				continue
			}
			stopDiscovery()
			sleep(SettleDelay)
			return path, nil
		}
	}
}

// matchInterfacesAdded is edge-triggered: it tolerates spurious signals
// for unrelated paths and for interfaces other than Device1.
func matchInterfacesAdded(sig *dbus.Signal, want dbus.ObjectPath) (dbus.ObjectPath, bool) {
	if sig == nil || sig.Name != bluez.ObjectManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
		return "", false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || path != want {
		return "", false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	if _, ok := ifaces[bluez.DeviceIface]; !ok {
		return "", false
	}
	return path, true
}
