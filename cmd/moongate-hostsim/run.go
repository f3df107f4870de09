// cmd/moongate-hostsim/run.go
// Implements `moongate-hostsim run`: connects to the gateway, registers a
// handful of demo printer endpoints, and provides a small simulated
// toolhead/extruder/heater_bed status source, mirroring the object graph
// klippy/extras/api_server.py polls in a real install.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nullstream/moongate/internal/hostsdk"
	"github.com/nullstream/moongate/internal/logging"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "connect to the gateway and simulate a printer host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHostSim()
		},
	}
}

// simPrinter is a toy StatusProvider: a handful of objects whose values
// drift deterministically over time. runHostSim adds no subscription to the
// wheel, so the wheel never polls it and no status_update is sent.
type simPrinter struct {
	mu       sync.Mutex
	start    time.Time
	extruder float64
	bed      float64
}

func newSimPrinter() *simPrinter {
	return &simPrinter{start: time.Now(), extruder: 25, bed: 25}
}

func (p *simPrinter) AvailableObjects() map[string][]string {
	return map[string][]string{
		"toolhead":     {"position", "status"},
		"gcode":        {"commands"},
		"idle_timeout": {"state"},
		"extruder":     {"temperature", "target"},
		"heater_bed":   {"temperature", "target"},
		"virtual_sdcard": {"progress", "is_active"},
	}
}

func (p *simPrinter) Status(objects map[string][]string) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.start).Seconds()
	p.extruder = 200 + 5*math.Sin(elapsed/10)
	p.bed = 60 + 2*math.Sin(elapsed/20)

	out := map[string]interface{}{}
	for name := range objects {
		switch name {
		case "toolhead":
			out[name] = map[string]interface{}{"position": []float64{0, 0, 0, 0}, "status": "Ready"}
		case "gcode":
			out[name] = map[string]interface{}{"commands": []string{}}
		case "idle_timeout":
			out[name] = map[string]interface{}{"state": "Idle"}
		case "extruder":
			out[name] = map[string]interface{}{"temperature": round2(p.extruder), "target": 200.0}
		case "heater_bed":
			out[name] = map[string]interface{}{"temperature": round2(p.bed), "target": 60.0}
		case "virtual_sdcard":
			out[name] = map[string]interface{}{"progress": 0.0, "is_active": false}
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func runHostSim() error {
	provider := newSimPrinter()
	host := hostsdk.New(hostsdk.Config{
		SocketPath: socketFile,
		APIKeyDir:  apiKeyDir,
	}, provider)

	registerDemoEndpoints(host)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Sugar().Info("hostsim: signal received, announcing shutdown")
		_ = host.SendShutdown()
		cancel()
	}()

	go func() {
		time.Sleep(200 * time.Millisecond)
		sensors := []string{"extruder", "heater_bed"}
		if err := host.SendReady(sensors); err != nil {
			logging.Sugar().Warnw("hostsim: failed to announce ready", "err", err)
		}
	}()

	return host.Run(ctx)
}

func registerDemoEndpoints(host *hostsdk.Host) {
	_ = host.RegisterEndpoint("/printer/info", []string{"GET"}, func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"state":        "ready",
			"state_message": "Printer is ready",
			"hostname":     hostnameOrDefault(),
		}, nil
	})

	_ = host.RegisterEndpoint("/printer/gcode/script", []string{"POST"}, func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
		script, _ := args["script"].(string)
		logging.Sugar().Infow("hostsim: received gcode script", "script", script)
		return "ok", nil
	})

	_ = host.RegisterEndpoint("/printer/emergency_stop", []string{"POST"}, func(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})
}

func hostnameOrDefault() string {
	name, err := os.Hostname()
	if err != nil {
		return "moongate-hostsim"
	}
	return fmt.Sprintf("%s (simulated)", name)
}
