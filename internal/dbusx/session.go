// Package dbusx provides a thin, testable wrapper around the system
// message bus used to talk to BlueZ. It never relies on introspection:
// every call names its destination, path, interface and method
// explicitly, since BlueZ does not reliably publish introspection XML
// for all relevant interfaces across versions.
package dbusx

import (
	"errors"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

// ErrPermission is returned when the bus connection itself could not be
// established or a method call was rejected with AccessDenied.
var ErrPermission = errors.New("dbusx: permission denied")

// MatchRule describes a signal subscription.
type MatchRule struct {
	Interface string
	Member    string
	Path      dbus.ObjectPath
}

func (r MatchRule) options() []dbus.MatchOption {
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(r.Interface),
		dbus.WithMatchMember(r.Member),
	}
	if r.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(r.Path))
	}
	return opts
}

// Session is the bus surface every bluez/* component depends on. The
// production implementation wraps a real *dbus.Conn; tests substitute a
// fake that never touches the host bus.
type Session interface {
	Call(dest string, path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call
	GetProperty(dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	SetProperty(dest string, path dbus.ObjectPath, iface, name string, value interface{}) error
	Subscribe(rule MatchRule) (<-chan *dbus.Signal, func(), error)
	Export(obj interface{}, path dbus.ObjectPath, iface string) error
	Unexport(path dbus.ObjectPath, iface string) error
	UniqueName() string
	Close() error
}

// conn implements Session over a real system bus connection.
type conn struct {
	bus *dbus.Conn
}

// Open connects to the host system bus. A failed connection, or a
// connection the daemon rejects outright, classifies as ErrPermission.
func Open() (Session, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %v", ErrPermission, err)
	}
	return &conn{bus: bus}, nil
}

func (c *conn) Call(dest string, path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call {
	return c.bus.Object(dest, path).Call(iface+"."+method, 0, args...)
}

func (c *conn) GetProperty(dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	call := c.Call(dest, path, "org.freedesktop.DBus.Properties", "Get", iface, name)
	if call.Err != nil {
		return dbus.Variant{}, classify(dest, path, iface+".Get["+name+"]", call.Err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("dbusx: decode property %s.%s: %w", iface, name, err)
	}
	return v, nil
}

func (c *conn) SetProperty(dest string, path dbus.ObjectPath, iface, name string, value interface{}) error {
	call := c.Call(dest, path, "org.freedesktop.DBus.Properties", "Set", iface, name, dbus.MakeVariant(value))
	if call.Err != nil {
		return classify(dest, path, iface+".Set["+name+"]", call.Err)
	}
	return nil
}

func (c *conn) Subscribe(rule MatchRule) (<-chan *dbus.Signal, func(), error) {
	ch := make(chan *dbus.Signal, 16)
	c.bus.Signal(ch)
	if err := c.bus.AddMatchSignal(rule.options()...); err != nil {
		c.bus.RemoveSignal(ch)
		return nil, nil, fmt.Errorf("dbusx: AddMatchSignal %s.%s: %w", rule.Interface, rule.Member, err)
	}
	cancel := func() {
		_ = c.bus.RemoveMatchSignal(rule.options()...)
		c.bus.RemoveSignal(ch)
	}
	return ch, cancel, nil
}

func (c *conn) Export(obj interface{}, path dbus.ObjectPath, iface string) error {
	if err := c.bus.Export(obj, path, iface); err != nil {
		return fmt.Errorf("dbusx: export %s on %s: %w", iface, path, err)
	}
	return nil
}

func (c *conn) Unexport(path dbus.ObjectPath, iface string) error {
	// Exporting nil clears the previously registered handler, mirroring
	// the teacher's unexport-on-cleanup idiom.
	return c.bus.Export(nil, path, iface)
}

func (c *conn) UniqueName() string {
	return c.bus.Names()[0]
}

func (c *conn) Close() error {
	return c.bus.Close()
}

// classify turns a raw D-Bus error into ErrPermission when the daemon
// denied access, and otherwise wraps it with enough context (the
// destination, path and method) for callers further up to classify.
func classify(dest string, path dbus.ObjectPath, method string, err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.DBus.Error.AccessDenied" {
		return fmt.Errorf("%w: %s %s %s", ErrPermission, dest, path, method)
	}
	return fmt.Errorf("dbusx: %s %s %s: %w", dest, path, method, err)
}

// ClassifyCallErr exposes classify for callers issuing raw *dbus.Call
// method calls via Call() and inspecting call.Err themselves.
func ClassifyCallErr(dest string, path dbus.ObjectPath, method string, err error) error {
	if err == nil {
		return nil
	}
	return classify(dest, path, method, err)
}
