// cmd/moongate-gateway/config.go
// Helper for parsing CLI flags and env vars into gateway.Config so main.go
// stays minimal.
//
// Environment variables (prefixed MOONGATE_):
//
//	ADDRESS       – HTTP listen address (default 0.0.0.0)
//	PORT          – HTTP listen port (default 7125)
//	SOCKETFILE    – Unix-domain socket path
//	LOGFILE       – path served at /server/moonraker.log
//	METRICS_ADDR  – Prometheus /metrics listen address (empty disables it)
//	JWT_SECRET    – HMAC secret enabling the optional JWT bearer mode
//	JWT_ISSUER    – expected 'iss' claim for the optional JWT bearer mode
//
// Usage pattern from main.go:
//
//	cfg, logJSON := loadGatewayConfig()
package main

import (
	"flag"

	"github.com/spf13/viper"

	"github.com/nullstream/moongate/internal/gateway"
)

// loadGatewayConfig parses flags and env vars once during program start,
// with flags taking precedence over environment variables, which in turn
// take precedence over the built-in defaults below.
func loadGatewayConfig() (gateway.Config, bool) {
	v := viper.New()
	v.SetEnvPrefix("MOONGATE")
	v.AutomaticEnv()

	address := flag.String("address", "0.0.0.0", "HTTP listen address")
	port := flag.Int("port", 7125, "HTTP listen port")
	socketFile := flag.String("socketfile", "/tmp/moongate.sock", "Unix-domain socket the host connects to")
	logFile := flag.String("logfile", "/tmp/moongate.log", "path served at /server/moonraker.log")
	logJSON := flag.Bool("log-json", false, "emit structured JSON logs instead of console logs")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (empty disables Prometheus export)")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret enabling the optional Authorization: Bearer JWT admission mode (empty disables it)")
	jwtIssuer := flag.String("jwt-issuer", "", "expected 'iss' claim for the optional JWT admission mode")
	flag.Parse()

	if a := v.GetString("ADDRESS"); a != "" && !flagPassed("address") {
		*address = a
	}
	if p := v.GetInt("PORT"); p != 0 && !flagPassed("port") {
		*port = p
	}
	if s := v.GetString("SOCKETFILE"); s != "" && !flagPassed("socketfile") {
		*socketFile = s
	}
	if l := v.GetString("LOGFILE"); l != "" && !flagPassed("logfile") {
		*logFile = l
	}
	if m := v.GetString("METRICS_ADDR"); m != "" && !flagPassed("metrics-addr") {
		*metricsAddr = m
	}
	if s := v.GetString("JWT_SECRET"); s != "" && !flagPassed("jwt-secret") {
		*jwtSecret = s
	}
	if s := v.GetString("JWT_ISSUER"); s != "" && !flagPassed("jwt-issuer") {
		*jwtIssuer = s
	}

	cfg := gateway.Config{
		Address:       *address,
		Port:          *port,
		SocketPath:    *socketFile,
		LogFile:       *logFile,
		EnableMetrics: *metricsAddr != "",
		MetricsAddr:   *metricsAddr,
		JWTSecret:     *jwtSecret,
		JWTIssuer:     *jwtIssuer,
	}
	return cfg, *logJSON
}

func flagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
