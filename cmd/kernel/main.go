// Command kernel boots a hosted instance of the Eclipse OS core: it wires
// together the physical allocator, the kernel address-space template, the
// embedded service bundle, and the process/scheduler/IPC machinery in
// internal/kernel, then drives the scheduler until nothing is left ready to
// run.
//
// Grounded on cmd/cc/main.go from the reference hypervisor: a flag-parsed
// run() returning an error, a log/slog logger installed once at the top,
// and a single assembled config value threaded into the runtime instead of
// package-level globals.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/eclipse-os/core/internal/bundle"
	"github.com/eclipse-os/core/internal/kernel"
	"github.com/eclipse-os/core/internal/paging"
	"github.com/eclipse-os/core/internal/serial"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ramFrames := flag.Int("ram-frames", 4096, "number of 4 KiB physical frames to simulate (default 16 MiB)")
	debug := flag.Bool("debug", false, "enable debug-level logging")
	manifestPath := flag.String("manifest", "", "path to a services.yaml manifest (optional; boots with no embedded services if empty)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	services, err := loadServices(*manifestPath)
	if err != nil {
		return fmt.Errorf("load services: %w", err)
	}

	k, err := kernel.New(kernel.Config{
		RAMFrames: *ramFrames,
		Sink:      serial.NewHostSink(os.Stdout),
		Services:  services,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init kernel: %w", err)
	}

	logger.Info("booting", "ram_frames", *ramFrames)

	// §4.D.5: interrupts stay conceptually disabled (no wakeup source can
	// fire) until BootInit below — the hosted port has no interrupt
	// controller to gate, so this ordering is enforced simply by doing
	// nothing that can generate a wakeup before this point.
	if err := bootHelloWorld(k); err != nil {
		return fmt.Errorf("boot init: %w", err)
	}

	k.RunLoop(10_000)
	logger.Info("halt: ready queue empty, no further wakeups possible")
	return nil
}

func loadServices(path string) (*bundle.Registry, error) {
	if path == "" {
		empty := &bundle.Manifest{Version: 1}
		return bundle.NewRegistry(empty, func(string) ([]byte, bool) { return nil, false })
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := bundle.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	// A real boot glue links service binaries in via //go:embed and
	// resolves symbols from that embedded set; this hosted entry point has
	// no embedded binaries of its own; unresolved symbols fail closed.
	return bundle.NewRegistry(m, func(string) ([]byte, bool) { return nil, false })
}

// bootHelloWorld implements scenario 1 of §8: pid 1 writes "hello\n" to fd 1
// and exits 0, with no further process ready afterward.
func bootHelloWorld(k *kernel.Kernel) error {
	const (
		entry    = 0x0000_4000_0000
		stackTop = 0x0000_7FFF_FFFF_F000
	)

	space, err := paging.NewSpace(k.PMM(), k.KernelSpace())
	if err != nil {
		return err
	}

	k.BootInit(space, entry, stackTop, func(api *kernel.UserAPI) {
		if _, err := api.Write(1, []byte("hello\n")); err != nil {
			api.Exit(1)
			return
		}
		api.Exit(0)
	})
	return nil
}
