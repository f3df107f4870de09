// cmd/moongate-gateway/main.go
// Binary entrypoint for the moongate API gateway. It exposes the HTTP REST
// and WebSocket surface to UIs, and the Unix-domain host socket Klippy
// connects to. Configured via CLI flags, with sane defaults for local
// testing.
package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullstream/moongate/internal/gateway"
	"github.com/nullstream/moongate/internal/logging"
	"go.uber.org/zap"
)

func main() {
	gwCfg, logJSON := loadGatewayConfig()

	// Logger ------------------------------------------------------------
	var lg *zap.Logger
	var err error
	if logJSON {
		lg, err = zap.NewProduction()
	} else {
		lg, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("zap: %v", err)
	}
	logging.Set(lg)
	defer lg.Sync()

	// Gateway -------------------------------------------------------------
	srv, err := gateway.New(gwCfg)
	if err != nil {
		lg.Fatal("gateway init", zap.Error(err))
	}

	// Graceful shutdown -----------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		lg.Info("signal received, shutting down")
		cancel()
	}()

	// Optional pprof for local debugging.
	go func() {
		_ = http.ListenAndServe("localhost:6060", nil)
	}()

	if err := srv.Run(ctx); err != nil {
		lg.Fatal("serve", zap.Error(err))
	}

	lg.Info("goodbye")
}
