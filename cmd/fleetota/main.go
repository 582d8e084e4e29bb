// cmd/fleetota/main.go
package main

import (
	"context"
	"flag"
	"log"

	"github.com/mfreeman451/fleetota/pkg/config"
	"github.com/mfreeman451/fleetota/pkg/lifecycle"
)

func main() {
	configPath := flag.String("config", "/etc/fleetota/fleetota.json", "Path to config file")
	flag.Parse()

	var cfg config.OrchestratorConfig
	if err := config.LoadAndValidate(*configPath, &cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	svc, err := newService(&cfg)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	if err := lifecycle.RunServer(context.Background(), &lifecycle.ServerOptions{
		ListenAddr:        cfg.ListenAddr,
		ServiceName:       "fleetota",
		Service:           svc,
		EnableHealthCheck: true,
		Security:          cfg.Security,
	}); err != nil {
		log.Fatalf("Service failed: %v", err)
	}
}
