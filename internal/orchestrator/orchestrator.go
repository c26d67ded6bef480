// Package orchestrator composes the adapter, discovery, agent and
// device components into the bond-management state machine described by
// the tool: verify an existing bond via a probe connect, or discover and
// pair, then trust, translating the outcome into an exit code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/pe1hvh/blebond/internal/bluez/adapter"
	"github.com/pe1hvh/blebond/internal/bluez/agent"
	"github.com/pe1hvh/blebond/internal/bluez/device"
	"github.com/pe1hvh/blebond/internal/bluez/discovery"
	"github.com/pe1hvh/blebond/internal/config"
	"github.com/pe1hvh/blebond/internal/dbusx"
	"github.com/pe1hvh/blebond/internal/pin"
)

// Reporter receives one "Key: value" progress line per call, in order.
// "Result:" is reported last by the caller of Run, never by Run itself.
type Reporter interface {
	Report(key, value string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(key, value string)

// Report implements Reporter.
func (f ReporterFunc) Report(key, value string) { f(key, value) }

type nullReporter struct{}

func (nullReporter) Report(string, string) {}

// Deps bundles the collaborators Run needs. AgentPath is the object path
// this process exports its pairing agent at; Sleep and DiscoveryTimeout
// are overridable for tests. Logger is nil unless --verbose was given, in
// which case every D-Bus call issued by the components below logs one
// diagnostic line to it.
type Deps struct {
	Bus              dbusx.Session
	PIN              pin.Source
	Sleep            func(time.Duration)
	DiscoveryTimeout time.Duration
	AgentPath        dbus.ObjectPath
	Logger           *log.Logger
}

func (d Deps) sleep() func(time.Duration) {
	if d.Sleep != nil {
		return d.Sleep
	}
	return time.Sleep
}

func (d Deps) discoveryTimeout() time.Duration {
	if d.DiscoveryTimeout > 0 {
		return d.DiscoveryTimeout
	}
	return discovery.DefaultTimeout
}

// DefaultAgentPath is used when Deps.AgentPath is unset.
const DefaultAgentPath = dbus.ObjectPath("/org/blebond/agent")

func (d Deps) agentPath() dbus.ObjectPath {
	if d.AgentPath != "" {
		return d.AgentPath
	}
	return DefaultAgentPath
}

// Run executes the full flow of one invocation. Every step is
// idempotent: re-running after a prior partial success converges
// without side effects beyond those required to restore the invariant.
func Run(ctx context.Context, deps Deps, cfg config.Config, report Reporter) (Outcome, error) {
	if report == nil {
		report = nullReporter{}
	}
	sleep := deps.sleep()

	ap, err := adapter.Locate(deps.Bus, deps.Logger)
	if err != nil {
		return classify(KindAdapter, fmt.Errorf("locate adapter: %w", err))
	}
	report.Report("Adapter", string(ap.Path))

	if _, err := ap.ReadVersion(); err != nil {
		return classify(KindAdapter, fmt.Errorf("read adapter version: %w", err))
	}

	if err := ap.EnsurePowered(); err != nil {
		return classify(KindAdapter, err)
	}
	report.Report("Powered", "true")

	if err := ap.EnsurePairable(); err != nil {
		return classify(KindAdapter, err)
	}
	report.Report("Pairable", "true")

	dev := device.New(deps.Bus, ap.Path, cfg.Target, deps.Logger)

	if cfg.ForceRepair {
		if err := dev.Remove(); err != nil {
			return classify(KindAdapter, fmt.Errorf("force-repair remove: %w", err))
		}
		report.Report("Removed", "forced")
		return pairAndTrust(ctx, deps, cfg, dev, ap.Path, sleep, report)
	}

	exists, err := dev.Exists()
	if err != nil {
		return classify(KindAdapter, err)
	}
	report.Report("Exists", fmt.Sprint(exists))
	if !exists {
		return pairAndTrust(ctx, deps, cfg, dev, ap.Path, sleep, report)
	}

	paired, err := dev.IsPaired()
	if err != nil {
		return classify(KindAdapter, err)
	}
	report.Report("Paired", fmt.Sprint(paired))
	if !paired {
		return pairAndTrust(ctx, deps, cfg, dev, ap.Path, sleep, report)
	}

	valid, err := dev.Verify(sleep)
	if err != nil {
		return classify(KindPairing, err)
	}
	report.Report("Verify", fmt.Sprint(valid))
	if !valid {
		if err := dev.Remove(); err != nil {
			return classify(KindAdapter, fmt.Errorf("invalid-bond remove: %w", err))
		}
		report.Report("Removed", "stale")
		return pairAndTrust(ctx, deps, cfg, dev, ap.Path, sleep, report)
	}

	return finishTrusted(dev, Verified, report)
}

// pairAndTrust implements steps 7-9 of the flow once the orchestrator
// has decided a fresh pair attempt is required (or, under check-only,
// that none is permitted).
func pairAndTrust(ctx context.Context, deps Deps, cfg config.Config, dev *device.Controller, adapterPath dbus.ObjectPath, sleep func(time.Duration), report Reporter) (Outcome, error) {
	if cfg.CheckOnly {
		return NoBond, nil
	}

	pinSource := deps.PIN
	if cfg.PIN != nil {
		pinSource = pin.Static(*cfg.PIN)
	}
	if pinSource == nil {
		return classify(KindPairing, errors.New("orchestrator: no PIN source configured"))
	}

	devicePath, err := discovery.Discover(ctx, deps.Bus, adapterPath, cfg.Target, deps.discoveryTimeout(), sleep, deps.Logger)
	if err != nil {
		if errors.Is(err, discovery.ErrTimeout) {
			return classify(KindDiscovery, err)
		}
		if errors.Is(err, dbusx.ErrPermission) {
			return classify(KindPermission, err)
		}
		return classify(KindDiscovery, err)
	}
	report.Report("Discovered", string(devicePath))

	ag := agent.New(deps.agentPath(), pinSource, deps.Logger)
	if err := dev.Pair(ag, sleep); err != nil {
		if errors.Is(err, dbusx.ErrPermission) {
			return classify(KindPermission, err)
		}
		return classify(KindPairing, err)
	}
	report.Report("Paired", "true")

	return finishTrusted(dev, Paired, report)
}

func finishTrusted(dev *device.Controller, outcome Outcome, report Reporter) (Outcome, error) {
	trusted, err := dev.IsTrusted()
	if err != nil {
		return classify(KindAdapter, err)
	}
	if !trusted {
		if err := dev.Trust(); err != nil {
			return classify(KindPairing, err)
		}
	}
	report.Report("Trusted", "true")
	return outcome, nil
}

func classify(kind Kind, err error) (Outcome, error) {
	if errors.Is(err, dbusx.ErrPermission) {
		kind = KindPermission
	}
	oe := &Error{Kind: kind, Cause: err}
	return oe.Outcome(), oe
}
