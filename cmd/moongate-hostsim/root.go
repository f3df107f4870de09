// cmd/moongate-hostsim/root.go
// Root command for the `moongate-hostsim` CLI. Wires global flags, logger
// initialisation, and the run/get-api-key sub-commands (run.go, apikey.go,
// version.go).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nullstream/moongate/internal/logging"
)

var (
	socketFile string
	apiKeyDir  string
	logJSON    bool

	rootCmd = &cobra.Command{
		Use:   "moongate-hostsim",
		Short: "reference host process for the moongate gateway",
		Long:  `moongate-hostsim dials a running gateway's Unix-domain socket and answers requests the way a real Klippy host would.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&socketFile, "socketfile", "/tmp/moongate.sock", "gateway Unix-domain socket to dial")
	rootCmd.PersistentFlags().StringVar(&apiKeyDir, "api-key-dir", "", "directory holding the persisted API key file (default: home directory)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of console logs")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newGetAPIKeyCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute runs the root command, returning any error for main to translate
// into an exit code.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func initLogger() error {
	cfg := zap.NewDevelopmentConfig()
	if logJSON {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	return nil
}
