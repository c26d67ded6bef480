// Package agent implements a transient org.bluez.Agent1 object that
// BlueZ calls back into during a pairing handshake. It is exported only
// for the lifetime of one pair attempt; outside that window it holds no
// PIN and answers nothing.
package agent

import (
	"fmt"
	"log"
	"strconv"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/dbusx"
)

// Capability is the only I/O class this tool supports: static numeric
// PIN entry, either via passkey (BLE SMP) or legacy PIN code (BR/EDR).
const Capability = "KeyboardDisplay"

// Source is a capability, not a value: it lets a PIN be supplied as a
// constant or read interactively without the agent or orchestrator
// caring which.
type Source interface {
	PIN() (string, error)
}

// Agent is exported into the daemon's callback space for the duration
// of one pairing attempt.
type Agent struct {
	path    dbus.ObjectPath
	pin     Source
	verbose *log.Logger
}

// New constructs an agent bound to the given PIN source. It is not yet
// exported or registered; call Register to do both.
func New(path dbus.ObjectPath, pin Source, verbose *log.Logger) *Agent {
	return &Agent{path: path, pin: pin, verbose: verbose}
}

// Register exports the agent object, registers it with the daemon's
// agent manager, and requests it as the default agent. Call Unregister
// on every exit path, success or failure.
func Register(bus dbusx.Session, a *Agent) error {
	a.logf("agent: Export(%s)", a.path)
	if err := bus.Export(a, a.path, bluez.AgentIface); err != nil {
		return fmt.Errorf("agent: export: %w", err)
	}
	a.logf("agent: RegisterAgent(%s)", a.path)
	if call := bus.Call(bluez.Service, bluez.Root, bluez.AgentManagerIface, "RegisterAgent", a.path, Capability); call.Err != nil {
		_ = bus.Unexport(a.path, bluez.AgentIface)
		return fmt.Errorf("agent: RegisterAgent: %w", dbusx.ClassifyCallErr(bluez.Service, bluez.Root, bluez.AgentManagerIface+".RegisterAgent", call.Err))
	}
	a.logf("agent: RequestDefaultAgent(%s)", a.path)
	if call := bus.Call(bluez.Service, bluez.Root, bluez.AgentManagerIface, "RequestDefaultAgent", a.path); call.Err != nil {
		// Non-fatal: some daemon versions reject this when another agent
		// already holds default status. The agent is still registered
		// and will be asked for this device's pairing.
	}
	return nil
}

// Unregister reverses Register. It is safe to call even if Register
// failed partway through; all steps are best-effort.
func Unregister(bus dbusx.Session, a *Agent) {
	a.logf("agent: UnregisterAgent(%s)", a.path)
	_ = bus.Call(bluez.Service, bluez.Root, bluez.AgentManagerIface, "UnregisterAgent", a.path).Err
	_ = bus.Unexport(a.path, bluez.AgentIface)
}

func (a *Agent) logf(format string, args ...interface{}) {
	if a.verbose != nil {
		a.verbose.Printf(format, args...)
	}
}

// RequestPasskey decodes the stored PIN as a 32-bit passkey for BLE SMP
// passkey entry.
func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	a.logf("agent: RequestPasskey(%s)", device)
	s, err := a.pin.PIN()
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}
	n, convErr := strconv.ParseUint(s, 10, 32)
	if convErr != nil {
		return 0, dbus.MakeFailedError(fmt.Errorf("agent: pin %q is not numeric: %w", s, convErr))
	}
	return uint32(n), nil
}

// RequestPinCode returns the stored PIN verbatim for legacy BR/EDR PIN
// entry.
func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	a.logf("agent: RequestPinCode(%s)", device)
	s, err := a.pin.PIN()
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return s, nil
}

// DisplayPasskey is informational; this agent takes no action.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	a.logf("agent: DisplayPasskey(%s, %06d, entered=%d)", device, passkey, entered)
	return nil
}

// DisplayPinCode is informational; this agent takes no action.
func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	a.logf("agent: DisplayPinCode(%s)", device)
	return nil
}

// RequestConfirmation auto-accepts numeric comparison pairing.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	a.logf("agent: RequestConfirmation(%s, %06d) -> accept", device, passkey)
	return nil
}

// RequestAuthorization auto-accepts a bare pairing request.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	a.logf("agent: RequestAuthorization(%s) -> accept", device)
	return nil
}

// AuthorizeService auto-accepts service access requests raised during
// pairing.
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuidStr string) *dbus.Error {
	if _, err := uuid.Parse(uuidStr); err != nil {
		a.logf("agent: AuthorizeService(%s, %s) -> malformed uuid, accepting anyway", device, uuidStr)
		return nil
	}
	a.logf("agent: AuthorizeService(%s, %s) -> accept", device, uuidStr)
	return nil
}

// Cancel is invoked when the daemon aborts the request in flight.
func (a *Agent) Cancel() *dbus.Error {
	a.logf("agent: Cancel()")
	return nil
}

// Release is invoked when the daemon is done with this agent.
func (a *Agent) Release() *dbus.Error {
	a.logf("agent: Release()")
	return nil
}
