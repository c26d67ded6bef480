package agent

import (
	"errors"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/bluez/bluetest"
)

type staticPIN string

func (s staticPIN) PIN() (string, error) { return string(s), nil }

type errPIN struct{ err error }

func (e errPIN) PIN() (string, error) { return "", e.err }

func TestRequestPasskeyDecodesStoredPIN(t *testing.T) {
	a := New("/org/blebond/agent", staticPIN("123456"), nil)
	passkey, dbusErr := a.RequestPasskey("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	require.Nil(t, dbusErr)
	assert.Equal(t, uint32(123456), passkey)
}

func TestRequestPinCodeReturnsStoredPIN(t *testing.T) {
	a := New("/org/blebond/agent", staticPIN("654321"), nil)
	code, dbusErr := a.RequestPinCode("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	require.Nil(t, dbusErr)
	assert.Equal(t, "654321", code)
}

func TestRequestPasskeyPropagatesSourceError(t *testing.T) {
	a := New("/org/blebond/agent", errPIN{errors.New("no pin available")}, nil)
	_, dbusErr := a.RequestPasskey("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	assert.NotNil(t, dbusErr)
}

func TestRequestConfirmationAutoAccepts(t *testing.T) {
	a := New("/org/blebond/agent", staticPIN("123456"), nil)
	assert.Nil(t, a.RequestConfirmation("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", 123456))
}

func TestAuthorizeServiceAutoAccepts(t *testing.T) {
	a := New("/org/blebond/agent", staticPIN("123456"), nil)
	assert.Nil(t, a.AuthorizeService("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "00001101-0000-1000-8000-00805f9b34fb"))
}

func TestRegisterExportsAndRegistersExactlyOnce(t *testing.T) {
	bus := bluetest.New()
	bus.Handle(bluez.Root, bluez.AgentManagerIface, "RegisterAgent", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })
	bus.Handle(bluez.Root, bluez.AgentManagerIface, "RequestDefaultAgent", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })

	a := New("/org/blebond/agent", staticPIN("123456"), nil)
	require.NoError(t, Register(bus, a))
	assert.True(t, bus.IsExported("/org/blebond/agent", bluez.AgentIface))
	registerCalls := 0
	for _, call := range bus.CallLog {
		if call == bluez.AgentManagerIface+".RegisterAgent" {
			registerCalls++
		}
	}
	assert.Equal(t, 1, registerCalls)

	Unregister(bus, a)
	assert.False(t, bus.IsExported("/org/blebond/agent", bluez.AgentIface))
}
