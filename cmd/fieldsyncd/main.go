package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailcrew/fieldsync/internal/backend"
	"github.com/trailcrew/fieldsync/internal/config"
	"github.com/trailcrew/fieldsync/internal/geofence"
	"github.com/trailcrew/fieldsync/internal/models"
	"github.com/trailcrew/fieldsync/internal/outbox"
	"github.com/trailcrew/fieldsync/internal/router"
	"github.com/trailcrew/fieldsync/internal/store"
	"github.com/trailcrew/fieldsync/internal/team"
	"github.com/trailcrew/fieldsync/internal/transport"
	"github.com/trailcrew/fieldsync/pkg/infra"
)

// fieldsyncd runs the coordination core against an in-process radio pair and
// a scripted location trace. It exists to exercise the full pipeline end to
// end: geofence entry, durable enqueue, mesh share, backend drain.
func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		slog.Error("Fatal error opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	submitter, cleanup, err := buildSubmitter(cfg, logger)
	if err != nil {
		slog.Error("Fatal error building backend submitter", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ob := outbox.New(st, submitter, logger, outbox.Options{
		BatchSize:    cfg.DrainBatchSize,
		BackoffFloor: cfg.BackoffFloor,
		BackoffCap:   cfg.BackoffCap,
	})
	defer ob.Close()

	if err := ob.Recover(ctx); err != nil {
		slog.Error("Fatal error recovering outbox", "error", err)
		os.Exit(1)
	}
	ob.SetOnline(true)

	go serveMetrics(cfg.MetricsAddr)

	// Two devices on one in-process hub stand in for the platform radio
	hub := transport.NewHub()
	localID := uuid.New()
	buddyID := uuid.New()

	local := transport.NewManager(hub.NewRadio(transport.Identity{ID: localID, DisplayName: cfg.LocalDisplayName}),
		transport.Identity{ID: localID, DisplayName: cfg.LocalDisplayName}, cfg.PeerStaleness, logger)
	defer local.Close()
	buddy := transport.NewManager(hub.NewRadio(transport.Identity{ID: buddyID, DisplayName: "buddy"}),
		transport.Identity{ID: buddyID, DisplayName: "buddy"}, cfg.PeerStaleness, logger)
	defer buddy.Close()

	for _, m := range []*transport.Manager{local, buddy} {
		m.StartAdvertising()
		m.StartDiscovery()
	}

	rt := router.New(local, cfg.DedupCapacity, logger)
	defer rt.Close()
	buddyRouter := router.New(buddy, cfg.DedupCapacity, logger)
	defer buddyRouter.Close()

	if _, err := local.Connect(ctx, buddyID); err != nil {
		slog.Error("Fatal error connecting to peer", "error", err)
		os.Exit(1)
	}

	engine := geofence.NewEngine(logger)
	coordinator := team.NewCoordinator(rt, engine, ob, st, localID, cfg.LocalDisplayName, logger, team.Options{
		BroadcastEvery:  cfg.BroadcastEvery,
		MemberStaleness: cfg.MemberStaleness,
	})

	engine.OnTransition(func(t geofence.Transition) {
		if t.Kind != geofence.Entered {
			return
		}
		if err := coordinator.HandleZoneEntered(ctx, t); err != nil {
			slog.Error("Zone entry handling failed", "zone_id", t.Zone.ID, "error", err)
		}
	})

	teamID := uuid.New()
	if err := coordinator.Start(teamID); err != nil {
		slog.Error("Fatal error starting team session", "error", err)
		os.Exit(1)
	}
	defer coordinator.Stop()

	zone := models.GeofenceZone{
		ID:           "demo-task",
		DomainID:     uuid.New(),
		ParentID:     &teamID,
		CenterLat:    25.0,
		CenterLon:    -80.0,
		RadiusMeters: 50,
		Kind:         models.ZoneTask,
	}
	if err := engine.AddZone(zone); err != nil {
		slog.Error("Fatal error registering zone", "error", err)
		os.Exit(1)
	}

	slog.Info("🚀 fieldsyncd started", "pid", os.Getpid(), "metrics", cfg.MetricsAddr)

	runTrace(ctx, engine, coordinator)

	<-ctx.Done()
	slog.Info("👋 Shutting down")
}

func buildSubmitter(cfg *config.Config, logger *slog.Logger) (backend.Submitter, func(), error) {
	if cfg.AMQPUrl != "" {
		s, err := backend.NewAMQPSubmitter(cfg.AMQPUrl, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return backend.NewHTTPSubmitter(cfg.BackendURL, logger), func() {}, nil
}

// runTrace walks a scripted approach into the demo zone: far, closing in,
// inside, gone again
func runTrace(ctx context.Context, engine *geofence.Engine, coordinator *team.Coordinator) {
	trace := []models.Location{
		{Lat: 25.0100, Lon: -80.0, AccuracyMeters: 10},
		{Lat: 25.0010, Lon: -80.0, AccuracyMeters: 10},
		{Lat: 25.0001, Lon: -80.0, AccuracyMeters: 5},
		{Lat: 25.0100, Lon: -80.0, AccuracyMeters: 10},
	}

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		for i, loc := range trace {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			loc.Timestamp = time.Now()
			engine.OnLocationUpdate(loc)
			if i == 0 {
				if err := coordinator.SendChat("heading to the first stop"); err != nil {
					slog.Warn("Chat broadcast failed", "error", err)
				}
			}
		}
	}()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics server stopped", "error", err)
	}
}
