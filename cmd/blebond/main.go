// Command blebond guarantees a BLE bond exists between the local
// adapter and a target MAC address before a downstream application
// attempts GATT communication. It speaks only D-Bus to BlueZ; it
// performs no GATT I/O of its own.
//
// Usage:
//
//	blebond <MAC> [--pin <PIN>] [--check-only] [--force-repair] [--verbose] [--version] [-h|--help]
//
// Exit codes:
//
//	0 OK               bond verified or established and trusted
//	1 NO_BOND          no valid bond present (only possible under --check-only)
//	2 PAIRING_FAILED   pairing or discovery failed
//	3 ADAPTER_ERROR    adapter not found, not powerable, or version unreadable
//	4 DBUS_PERMISSION  denied access to the system bus
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pe1hvh/blebond/internal/config"
	"github.com/pe1hvh/blebond/internal/dbusx"
	"github.com/pe1hvh/blebond/internal/logging"
	"github.com/pe1hvh/blebond/internal/orchestrator"
	"github.com/pe1hvh/blebond/internal/pin"
)

const version = "blebond 1.0.0"

const (
	exitOK             = 0
	exitNoBond         = 1
	exitPairingFailed  = 2
	exitAdapterError   = 3
	exitDBUSPermission = 4
	exitArgumentError  = 64
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("blebond", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: blebond <MAC> [--pin <PIN>] [--check-only] [--force-repair] [--verbose] [--version]")
		fs.PrintDefaults()
	}

	var (
		pinFlag     string
		checkOnly   bool
		forceRepair bool
		verbose     bool
		showVersion bool
	)
	fs.StringVar(&pinFlag, "pin", "", "pre-supplied PIN, makes PIN acquisition non-interactive")
	fs.BoolVar(&checkOnly, "check-only", false, "only check bond validity; never pair")
	fs.BoolVar(&forceRepair, "force-repair", false, "remove any existing bond and re-pair unconditionally")
	fs.BoolVar(&verbose, "verbose", false, "emit a diagnostic line for every D-Bus call")
	fs.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return exitArgumentError
	}
	if showVersion {
		fmt.Fprintln(stdout, version)
		return exitOK
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "error: exactly one MAC address argument is required")
		fs.Usage()
		return exitArgumentError
	}

	cfg, err := config.Build(fs.Arg(0), pinFlag, pinFlag != "", checkOnly, forceRepair, verbose)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitArgumentError
	}

	logger := logging.New(cfg.Verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	var lines [][2]string
	report := orchestrator.ReporterFunc(func(key, value string) {
		lines = append(lines, [2]string{key, value})
		if logger != nil {
			logger.Printf("%s: %s", key, value)
		}
	})

	bus, err := dbusx.Open()
	if err != nil {
		printResult(stdout, lines, "PermissionError")
		fmt.Fprintln(stderr, "error:", err)
		return exitDBUSPermission
	}
	defer bus.Close()

	deps := orchestrator.Deps{
		Bus:    bus,
		PIN:    pin.NewTerminal(),
		Logger: logger,
	}

	outcome, runErr := orchestrator.Run(ctx, deps, cfg, report)
	printResult(stdout, lines, outcome.String())
	if runErr != nil {
		fmt.Fprintln(stderr, "error:", runErr)
	}
	return outcome.ExitCode()
}

func printResult(stdout *os.File, lines [][2]string, result string) {
	width := len("Result")
	for _, kv := range lines {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range lines {
		fmt.Fprintf(stdout, "%-*s: %s\n", width, kv[0], kv[1])
	}
	fmt.Fprintf(stdout, "%-*s: %s\n", width, "Result", result)
}
