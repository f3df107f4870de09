// cmd/moongate-hostsim/version.go
// Implements `moongate-hostsim version`, printing build metadata from
// pkg/version.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nullstream/moongate/pkg/version"
)

func newVersionCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "print moongate-hostsim version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				ver, commit, date := version.Components()
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]string{"version": ver, "commit": commit, "date": date})
			}
			fmt.Println(version.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print version information as JSON")
	return cmd
}
