// Command trails-probe is a minimal reference client: it initializes the
// TRAILS client library, reports periodic CPU/memory/disk status, and
// reports a result before shutting down. It doubles as the end-to-end
// smoke test for the client library, mirroring the upstream reference
// implementation's basic usage example.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/trailsd/trails/client"
	"github.com/trailsd/trails/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var serverEP string

	root := &cobra.Command{
		Use:   "trails-probe",
		Short: "trails-probe — a reference TRAILS client",
		Long: `trails-probe links the TRAILS client library and emits a short
series of Status updates sampled from the host, followed by a Result,
demonstrating the client API end to end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverEP)
		},
	}

	root.PersistentFlags().StringVar(&serverEP, "server", envOrDefault("TRAILS_SERVER", "ws://localhost:8443"), "server endpoint to connect to when TRAILS_INFO is not set")
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("trails-probe dev")
		},
	}
}

func run(serverEP string) error {
	h, err := client.Init()
	if err != nil {
		return fmt.Errorf("trails-probe: init: %w", err)
	}

	if !h.IsActive() {
		// No TRAILS_INFO in the environment: build a standalone demo
		// config so the binary is runnable without a parent process
		// wiring one up for it.
		h, err = client.InitWith(wire.Config{
			V:        1,
			AppID:    uuid.NewString(),
			AppName:  "trails-probe",
			ServerEP: serverEP,
			SecLevel: wire.DefaultSecLevel,
			RoleRefs: []string{},
		})
		if err != nil {
			return fmt.Errorf("trails-probe: init_with: %w", err)
		}
		fmt.Println("trails-probe: TRAILS_INFO not set, started a standalone demo app against", serverEP)
	}

	if child, err := h.CreateChild("trails-probe-child"); err == nil {
		if blob, err := wire.EncodeConfig(child); err == nil {
			fmt.Println("trails-probe: derived child config:", blob)
		}
	}

	fmt.Println("trails-probe: active, connected =", h.IsConnected())

	for i := 0; i < 3; i++ {
		h.Status(resourceSnapshot(i))
		time.Sleep(2 * time.Second)
	}

	h.Result(map[string]any{"ok": true, "samples": 3})
	h.Shutdown()
	return nil
}

// resourceSnapshot collects a point-in-time CPU/memory/disk reading,
// completing the host-metrics gap the upstream agent left as a TODO.
func resourceSnapshot(step int) map[string]any {
	snapshot := map[string]any{"step": step}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot["mem_percent"] = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		snapshot["disk_percent"] = du.UsedPercent
	}

	return snapshot
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
