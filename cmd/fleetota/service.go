// cmd/fleetota/service.go wires the orchestrator's components together
// and runs them under the lifecycle server.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/mfreeman451/fleetota/pkg/api"
	"github.com/mfreeman451/fleetota/pkg/binstore"
	"github.com/mfreeman451/fleetota/pkg/campaign"
	"github.com/mfreeman451/fleetota/pkg/config"
	"github.com/mfreeman451/fleetota/pkg/db"
	"github.com/mfreeman451/fleetota/pkg/directory"
	"github.com/mfreeman451/fleetota/pkg/events"
	"github.com/mfreeman451/fleetota/pkg/models"
	"github.com/mfreeman451/fleetota/pkg/notify"
	"github.com/mfreeman451/fleetota/pkg/registry"
	"github.com/mfreeman451/fleetota/pkg/rollback"
	"github.com/mfreeman451/fleetota/pkg/updates"
)

const eventRetentionAge = 30 * 24 * time.Hour

type service struct {
	cfg       *config.OrchestratorConfig
	store     db.Service
	apiServer *api.Server
	publisher *events.Publisher
	consumer  *events.Consumer
	sweeper   *updates.Sweeper
	scheduler *campaign.Scheduler
}

func newService(cfg *config.OrchestratorConfig) (*service, error) {
	store, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	local, err := binstore.NewLocalStore(cfg.BinaryDir, cfg.BinaryBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create binary store: %w", err)
	}

	var binaries binstore.Store = local
	if cfg.BinaryStoreURL != "" {
		binaries = binstore.NewRemoteStore(cfg.BinaryStoreURL, local)
	}

	var dir directory.Client = directory.NewHTTPClient(cfg.DirectoryURL, 0)

	if cfg.SNMP != nil && cfg.SNMP.Enabled {
		devices := cfg.SNMP.Devices

		probe := directory.NewSNMPProbe(func(deviceID string) (string, bool) {
			host, ok := devices[deviceID]
			return host, ok
		}, cfg.SNMP.Community, cfg.SNMP.Port, time.Duration(cfg.SNMP.Timeout))

		dir = directory.NewFallbackClient(dir, probe)
	}

	var signingKey ed25519.PublicKey

	if cfg.SigningKeyHex != "" {
		raw, err := hex.DecodeString(cfg.SigningKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid signing_key_hex: %w", err)
		}

		signingKey = ed25519.PublicKey(raw)
	}

	reg := registry.New(store, binaries)

	engine := updates.NewEngine(store, reg, dir, binaries, updates.Config{
		SigningKey:    signingKey,
		UpdateTimeout: time.Duration(cfg.UpdateTimeout),
	})

	rollbacks := rollback.NewEngine(store, engine)

	var notifier notify.Notifier
	if cfg.Notifications.URL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notifications)
	}

	orchestrator := campaign.NewOrchestrator(store, reg, engine, rollbacks, notifier, nil)

	// Terminal updates feed the campaign counters and resolve reverts.
	engine.SetTerminalHandler(func(ctx context.Context, u *models.DeviceUpdate, c *models.Campaign) {
		rollbacks.ResolveUpdate(ctx, u)
		orchestrator.OnUpdateTerminal(ctx, u, c)
	})

	hub := events.NewHub()

	buses := events.Fanout{hub}
	for _, url := range cfg.EventWebhooks {
		buses = append(buses, events.NewWebhookBus(events.WebhookBusConfig{URL: url}))
	}

	publisher := events.NewPublisher(store, buses)

	consumer := events.NewConsumer(hub)
	consumer.Handle(models.EventDeviceDeleted, engine.HandleDeviceDeleted)

	apiServer := api.NewServer(store, reg, orchestrator, engine, rollbacks, hub)

	return &service{
		cfg:       cfg,
		store:     store,
		apiServer: apiServer,
		publisher: publisher,
		consumer:  consumer,
		sweeper:   updates.NewSweeper(engine),
		scheduler: campaign.NewScheduler(orchestrator),
	}, nil
}

// Start launches the background loops and the HTTP API. It blocks until
// the API server fails or the context is cancelled.
func (s *service) Start(ctx context.Context) error {
	go func() {
		if err := s.publisher.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Event publisher stopped: %v", err)
		}
	}()

	s.sweeper.Start(ctx)
	s.scheduler.Start(ctx)

	go func() {
		if err := s.consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Event consumer stopped: %v", err)
		}
	}()

	go s.retentionLoop(ctx)

	return s.apiServer.Start(s.cfg.APIAddr)
}

// Stop flushes and closes the store.
func (s *service) Stop(_ context.Context) error {
	return s.store.Close()
}

func (s *service) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.CleanOldEvents(eventRetentionAge); err != nil {
				log.Printf("Error cleaning old events: %v", err)
			}
		}
	}
}
