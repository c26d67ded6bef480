package bluez

import (
	"fmt"
	"regexp"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// macPattern matches a colon-separated hex MAC address, case-insensitive.
var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// MAC is a 48-bit Bluetooth address in canonical upper-case colon-separated
// form. The zero value is not valid; construct with ParseMAC.
type MAC string

// ParseMAC validates and canonicalizes a MAC address string.
func ParseMAC(s string) (MAC, error) {
	if !macPattern.MatchString(s) {
		return "", fmt.Errorf("bluez: invalid MAC address %q", s)
	}
	return MAC(strings.ToUpper(s)), nil
}

// String renders the canonical form.
func (m MAC) String() string { return string(m) }

// DevicePath derives the BlueZ object path for this address under the
// given adapter path, e.g. "/org/bluez/hci0" + "AA:BB:CC:DD:EE:FF" ->
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (m MAC) DevicePath(adapter dbus.ObjectPath) dbus.ObjectPath {
	suffix := strings.ReplaceAll(string(m), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + suffix)
}

// MACFromPath recovers a MAC address from a device object path of the
// form ".../dev_XX_XX_XX_XX_XX_XX". It returns ok=false if the path does
// not carry that suffix.
func MACFromPath(path dbus.ObjectPath) (MAC, bool) {
	s := string(path)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return "", false
	}
	mac := strings.ReplaceAll(s[idx+len("/dev_"):], "_", ":")
	parsed, err := ParseMAC(mac)
	if err != nil {
		return "", false
	}
	return parsed, true
}
