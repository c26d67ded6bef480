package device

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pe1hvh/blebond/internal/bluez"
	"github.com/pe1hvh/blebond/internal/bluez/agent"
	"github.com/pe1hvh/blebond/internal/bluez/bluetest"
)

const adapterPath = dbus.ObjectPath("/org/bluez/hci0")

var target = mustMAC("AA:BB:CC:DD:EE:FF")

func mustMAC(s string) bluez.MAC {
	m, err := bluez.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func noSleep(time.Duration) {}

func TestExistsTrueWhenManagedObjectPresent(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle("/", bluez.ObjectManagerIface, "GetManagedObjects", bluetest.ManagedObjectsHandler(map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		c.Path: {bluez.DeviceIface: {}},
	}))

	exists, err := c.Exists()
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExistsFalseWhenAbsent(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle("/", bluez.ObjectManagerIface, "GetManagedObjects", bluetest.ManagedObjectsHandler(map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}))

	exists, err := c.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConnectWithRetryRetriesOnlyRFRace(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)

	attempts := 0
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call {
		attempts++
		if attempts < 3 {
			return bluetest.ErrCall(errors.New("le-connection-abort-by-local"))
		}
		return bluetest.OKCall()
	})

	var slept []time.Duration
	err := c.ConnectWithRetry(func(d time.Duration) { slept = append(slept, d) })
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{ConnectRetryBase * 1, ConnectRetryBase * 2}, slept)
}

func TestConnectWithRetryLogsEachAttemptWhenVerbose(t *testing.T) {
	bus := bluetest.New()
	var buf bytes.Buffer
	c := New(bus, adapterPath, target, log.New(&buf, "", 0))

	attempts := 0
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call {
		attempts++
		if attempts < 2 {
			return bluetest.ErrCall(errors.New("le-connection-abort-by-local"))
		}
		return bluetest.OKCall()
	})

	err := c.ConnectWithRetry(noSleep)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, buf.String(), "(attempt 1/5)")
	assert.Contains(t, buf.String(), "(attempt 2/5)")
}

func TestConnectWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)

	attempts := 0
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call {
		attempts++
		return bluetest.ErrCall(errors.New("org.bluez.Error.AuthenticationFailed"))
	})
	bus.SetProp(c.Path, bluez.DeviceIface, "Paired", false)

	err := c.ConnectWithRetry(noSleep)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrBondInvalid))
	assert.Equal(t, 1, attempts)
}

func TestConnectFailureOnPairedDeviceIsBondInvalid(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.SetProp(c.Path, bluez.DeviceIface, "Paired", true)
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call {
		return bluetest.ErrCall(errors.New("br-connection-profile-unavailable"))
	})

	err := c.ConnectWithRetry(noSleep)
	assert.True(t, errors.Is(err, ErrBondInvalid))
}

func TestVerifyValidCallsConnectThenDisconnect(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })
	bus.Handle(c.Path, bluez.DeviceIface, "Disconnect", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })

	valid, err := c.Verify(noSleep)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, []string{bluez.DeviceIface + ".Connect", bluez.DeviceIface + ".Disconnect"}, bus.CallLog)
}

func TestVerifyInvalidOnBondInvalid(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.SetProp(c.Path, bluez.DeviceIface, "Paired", true)
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call {
		return bluetest.ErrCall(errors.New("br-connection-profile-unavailable"))
	})

	valid, err := c.Verify(noSleep)
	require.NoError(t, err)
	assert.False(t, valid)
}

type staticPIN string

func (s staticPIN) PIN() (string, error) { return string(s), nil }

func TestPairOrdersConnectBeforePairAndAlwaysUnregisters(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })
	bus.Handle(c.Path, bluez.DeviceIface, "Pair", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })

	ag := agent.New("/org/blebond/agent", staticPIN("123456"), nil)
	err := c.Pair(ag, noSleep)
	require.NoError(t, err)

	connectIdx, pairIdx := -1, -1
	for i, call := range bus.CallLog {
		if call == bluez.DeviceIface+".Connect" {
			connectIdx = i
		}
		if call == bluez.DeviceIface+".Pair" {
			pairIdx = i
		}
	}
	require.NotEqual(t, -1, connectIdx)
	require.NotEqual(t, -1, pairIdx)
	assert.Less(t, connectIdx, pairIdx)
	assert.False(t, bus.IsExported("/org/blebond/agent", bluez.AgentIface))
}

func TestPairUnregistersAgentOnPairFailure(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle(c.Path, bluez.DeviceIface, "Connect", func(args []interface{}) *dbus.Call { return bluetest.OKCall() })
	bus.Handle(c.Path, bluez.DeviceIface, "Pair", func(args []interface{}) *dbus.Call {
		return bluetest.ErrCall(errors.New("org.bluez.Error.AuthenticationFailed"))
	})

	ag := agent.New("/org/blebond/agent", staticPIN("000000"), nil)
	err := c.Pair(ag, noSleep)
	assert.Error(t, err)
	assert.False(t, bus.IsExported("/org/blebond/agent", bluez.AgentIface))
}

func TestRemoveSwallowsMissingDeviceError(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.Handle(adapterPath, bluez.AdapterIface, "RemoveDevice", func(args []interface{}) *dbus.Call {
		return bluetest.ErrCall(dbus.Error{Name: "org.bluez.Error.DoesNotExist"})
	})

	assert.NoError(t, c.Remove())
}

func TestTrustSetsOnlyWhenNotAlreadyTrusted(t *testing.T) {
	bus := bluetest.New()
	c := New(bus, adapterPath, target, nil)
	bus.SetProp(c.Path, bluez.DeviceIface, "Trusted", true)

	require.NoError(t, c.Trust())
	for _, call := range bus.CallLog {
		assert.NotContains(t, call, "Properties.Set")
	}
}
