// Package localendpoints implements the handful of endpoints the gateway
// answers itself without ever contacting the host: /machine/reboot,
// /machine/shutdown (both shell out), and /server/temperature_store (serves
// the tempstore dump). /server/moonraker.log is served by handlers.LogFile,
// a single-file handler, and needs no code here. Mirrors moonraker.py's
// local_endpoints/_handle_machine_request/_handle_temp_store_request.
package localendpoints

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"

	"github.com/nullstream/moongate/internal/auth"
	"github.com/nullstream/moongate/internal/gatewayerr"
	"github.com/nullstream/moongate/internal/logging"
	"github.com/nullstream/moongate/internal/tempstore"
)

// CommandRunner executes a shell command and waits for it to exit, abstracted
// so tests can avoid actually shelling out.
type CommandRunner func(ctx context.Context, command string) error

// ExecCommandRunner runs command through /bin/sh -c, mirroring
// _run_shell_command's shlex.split + Subprocess.wait_for_exit.
func ExecCommandRunner(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	return cmd.Run()
}

// Authorizer is the subset of auth.Authorizer local endpoints need.
type Authorizer interface {
	CheckAuthorized(r *http.Request) error
	ApplyCORSHeaders(w http.ResponseWriter)
	EnableCORS() bool
}

var _ Authorizer = (*auth.Authorizer)(nil)

func checkAuth(w http.ResponseWriter, r *http.Request, az Authorizer) bool {
	az.ApplyCORSHeaders(w)
	if r.Method == http.MethodOptions {
		if az.EnableCORS() {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return false
	}
	if err := az.CheckAuthorized(r); err != nil {
		gerr, ok := gatewayerr.As(err)
		if !ok {
			gerr = gatewayerr.Internal(err.Error())
		}
		http.Error(w, gerr.Message, gerr.Status)
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": v})
}

// MachineCommand builds the handler for /machine/reboot or /machine/shutdown,
// mirroring _handle_machine_request's path-to-command switch.
func MachineCommand(az Authorizer, run CommandRunner, command string) http.Handler {
	if run == nil {
		run = ExecCommandRunner
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r, az) {
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := run(r.Context(), command); err != nil {
			logging.Sugar().Warnw("localendpoints: shell command failed", "command", command, "err", err)
		}
		writeResult(w, "ok")
	})
}

// TemperatureStore builds the /server/temperature_store handler, mirroring
// _handle_temp_store_request.
func TemperatureStore(az Authorizer, store *tempstore.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAuth(w, r, az) {
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeResult(w, store.Dump())
	})
}
