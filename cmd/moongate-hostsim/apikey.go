// cmd/moongate-hostsim/apikey.go
// Implements `moongate-hostsim get-api-key`, mirroring
// api_server.py's cmd_GET_API_KEY gcode command: print the persisted API
// key, generating one on first run.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nullstream/moongate/internal/hostsdk"
)

func newGetAPIKeyCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "get-api-key",
		Short: "print the host's persisted API key, generating one if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := hostsdk.NewAPIKeyStore(apiKeyDir)
			var (
				key string
				err error
			)
			if rotate {
				key, err = store.Rotate()
			} else {
				key, err = store.Load()
			}
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "generate and persist a new key instead of reusing the existing one")
	return cmd
}
