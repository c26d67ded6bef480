// Package bluetest provides an in-memory fake of dbusx.Session for unit
// tests, since none of the pack's own tests open a live system bus
// either.
package bluetest

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/pe1hvh/blebond/internal/dbusx"
)

// CallHandler answers one destination/path/interface/method call.
type CallHandler func(args []interface{}) *dbus.Call

// Bus is a scriptable fake bus. Construct it with New; the zero value
// has nil maps and panics on Handle or Export.
type Bus struct {
	mu sync.Mutex

	props     map[string]map[string]interface{} // path|iface -> name -> value
	handlers  map[string]CallHandler            // path|iface.method -> handler
	exported  map[string]interface{}             // path|iface -> object
	unique    string
	sigCh     chan *dbus.Signal
	closed    bool
	CallLog   []string
}

// New returns an empty fake bus.
func New() *Bus {
	return &Bus{
		props:    make(map[string]map[string]interface{}),
		handlers: make(map[string]CallHandler),
		exported: make(map[string]interface{}),
		unique:   ":1.1",
	}
}

var _ dbusx.Session = (*Bus)(nil)

func key(path dbus.ObjectPath, iface string) string { return string(path) + "|" + iface }

// SetProp seeds a property value directly, bypassing SetProperty.
func (b *Bus) SetProp(path dbus.ObjectPath, iface, name string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(path, iface)
	if b.props[k] == nil {
		b.props[k] = make(map[string]interface{})
	}
	b.props[k][name] = value
}

// Handle registers a handler for one method call.
func (b *Bus) Handle(path dbus.ObjectPath, iface, method string, h CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key(path, iface)+"."+method] = h
}

// Emit delivers a signal to any subscriber.
func (b *Bus) Emit(sig *dbus.Signal) {
	b.mu.Lock()
	ch := b.sigCh
	b.mu.Unlock()
	if ch != nil {
		ch <- sig
	}
}

func (b *Bus) Call(dest string, path dbus.ObjectPath, iface, method string, args ...interface{}) *dbus.Call {
	b.mu.Lock()
	b.CallLog = append(b.CallLog, iface+"."+method)
	h, ok := b.handlers[key(path, iface)+"."+method]
	b.mu.Unlock()
	if ok {
		return h(args)
	}
	return &dbus.Call{Err: nil, Body: nil}
}

func (b *Bus) GetProperty(dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[key(path, iface)][name]
	if !ok {
		return dbus.Variant{}, nil
	}
	return dbus.MakeVariant(v), nil
}

func (b *Bus) SetProperty(dest string, path dbus.ObjectPath, iface, name string, value interface{}) error {
	b.mu.Lock()
	b.CallLog = append(b.CallLog, "org.freedesktop.DBus.Properties.Set")
	b.mu.Unlock()
	b.SetProp(path, iface, name, value)
	return nil
}

func (b *Bus) Subscribe(rule dbusx.MatchRule) (<-chan *dbus.Signal, func(), error) {
	b.mu.Lock()
	ch := make(chan *dbus.Signal, 16)
	b.sigCh = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.sigCh == ch {
			b.sigCh = nil
		}
	}
	return ch, cancel, nil
}

func (b *Bus) Export(obj interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exported[key(path, iface)] = obj
	return nil
}

func (b *Bus) Unexport(path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exported, key(path, iface))
	return nil
}

func (b *Bus) UniqueName() string { return b.unique }

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// IsExported reports whether an object is currently exported at path/iface.
func (b *Bus) IsExported(path dbus.ObjectPath, iface string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exported[key(path, iface)]
	return ok
}

// ManagedObjectsHandler is a convenience constructor for a
// GetManagedObjects handler that returns a fixed object graph.
func ManagedObjectsHandler(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) CallHandler {
	return func(args []interface{}) *dbus.Call {
		return &dbus.Call{Body: []interface{}{objs}}
	}
}

// OKCall returns a *dbus.Call with no error and no body, for handlers
// that only need to signal success.
func OKCall() *dbus.Call { return &dbus.Call{} }

// ErrCall wraps err into a *dbus.Call.
func ErrCall(err error) *dbus.Call { return &dbus.Call{Err: err} }
