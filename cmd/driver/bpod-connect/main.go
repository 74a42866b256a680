// Command bpod-connect opens a link to an FSM controller, performs the
// handshake, and runs a single no-op trial as a smoke test: connect,
// install a one-state machine that exits on its first timer tick, run
// it, print the resulting occurrences.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"

	"bpod/internal/compiler"
	"bpod/internal/config"
	"bpod/internal/diagnostics"
	"bpod/internal/hardware"
	"bpod/internal/layout"
	"bpod/internal/logging"
	"bpod/internal/session"
	"bpod/internal/statemachine"
	"bpod/internal/transport"
	"bpod/internal/trial"
)

func main() {
	cfg, _ := config.LoadConfig()

	serialPort := flag.String("port", cfg.SerialPort, "serial device path")
	baud := flag.Int("baud", 1312500, "serial baud rate")
	useUSB := flag.Bool("usb", false, "connect over raw USB bulk endpoints instead of serial")
	vid := flag.Uint("vid", 0x16c0, "USB vendor ID (only with -usb)")
	pid := flag.Uint("pid", 0x0483, "USB product ID (only with -usb)")
	withDiagnostics := flag.Bool("host-diagnostics", true, "annotate info records with host CPU/RAM load")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	log := logging.New(os.Stderr, "bpod-connect: ", level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var link transport.Transport
	var err error
	if *useUSB {
		link, err = transport.OpenUSB(gousb.ID(*vid), gousb.ID(*pid), 0x01, 0x81)
	} else {
		link, err = transport.OpenSerial(*serialPort, *baud)
	}
	if err != nil {
		log.Error("open transport: %v", err)
		os.Exit(1)
	}
	defer link.Close()

	desc, err := transport.Handshake(ctx, link, log)
	if err != nil {
		log.Error("handshake: %v", err)
		os.Exit(1)
	}
	log.Info("connected: firmware=%d machine_type=%d max_states=%d", desc.FirmwareVersion, desc.MachineType, desc.MaxStates)

	if desc.FirmwareVersion < cfg.TargetFirmwareVersion {
		log.Warn("device firmware %d is older than target %d", desc.FirmwareVersion, cfg.TargetFirmwareVersion)
	}

	var sink session.Session = session.NewMemorySink()
	if *withDiagnostics {
		sink = diagnostics.NewDiagnosticsSink(sink)
	}
	sink.OnInfo(session.Info{Key: session.InfoSerialPort, Value: *serialPort})

	l, err := layout.Resolve(desc, hardware.NewModuleRegistry(desc.NUARTChannels()))
	if err != nil {
		log.Error("resolve layout: %v", err)
		os.Exit(1)
	}

	m := statemachine.New(l, desc)
	if err := m.AddState("Exit", 0.1, map[string]string{"Tup": "exit"}, nil); err != nil {
		log.Error("build state machine: %v", err)
		os.Exit(1)
	}

	c := compiler.New(m, desc, l)
	compiled, err := c.Compile(false)
	if err != nil {
		log.Error("compile: %v", err)
		os.Exit(1)
	}

	runner := trial.New(link, desc, l, sink, log).WithReadTimeout(5 * time.Second)
	result, err := runner.Run(ctx, trial.TrialID(1), m.StateNames, compiled)
	if err != nil {
		log.Error("run trial: %v", err)
		os.Exit(1)
	}

	fmt.Printf("trial %d finished: %d states, %d events, %d softcodes\n",
		result.ID, len(result.States), len(result.Events), len(result.Softcodes))
	for _, s := range result.States {
		fmt.Printf("  %-16s start=%.4fs end=%.4fs\n", s.Name, s.Start, s.End)
	}
}
