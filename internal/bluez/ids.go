// Package bluez holds the D-Bus interface/service names and the MAC/path
// helpers shared by the adapter, discovery, device and agent
// sub-packages.
package bluez

const (
	Service = "org.bluez"
	Root    = "/org/bluez"

	AdapterIface       = "org.bluez.Adapter1"
	DeviceIface        = "org.bluez.Device1"
	AgentManagerIface  = "org.bluez.AgentManager1"
	AgentIface         = "org.bluez.Agent1"
	ObjectManagerIface = "org.freedesktop.DBus.ObjectManager"
	PropertiesIface    = "org.freedesktop.DBus.Properties"
)
