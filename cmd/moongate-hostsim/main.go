// cmd/moongate-hostsim/main.go
// Entrypoint for the `moongate-hostsim` multi-tool CLI binary: a reference
// host process exercising internal/hostsdk against a running gateway. The
// file is intentionally tiny; all logic lives in root.go and its siblings.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
