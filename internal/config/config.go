// Package config builds the immutable run configuration from the CLI
// surface and validates it once at startup.
package config

import (
	"errors"
	"fmt"

	"github.com/pe1hvh/blebond/internal/bluez"
)

// Config is immutable once built.
type Config struct {
	Target      bluez.MAC
	PIN         *string
	CheckOnly   bool
	ForceRepair bool
	Verbose     bool
}

// ErrMutuallyExclusive is returned when --check-only and --force-repair
// are both requested.
var ErrMutuallyExclusive = errors.New("config: --check-only and --force-repair are mutually exclusive")

// Build validates and assembles a Config from parsed flag values.
func Build(macArg string, pin string, pinSet, checkOnly, forceRepair, verbose bool) (Config, error) {
	mac, err := bluez.ParseMAC(macArg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if checkOnly && forceRepair {
		return Config{}, ErrMutuallyExclusive
	}
	cfg := Config{
		Target:      mac,
		CheckOnly:   checkOnly,
		ForceRepair: forceRepair,
		Verbose:     verbose,
	}
	if pinSet {
		cfg.PIN = &pin
	}
	return cfg, nil
}
