package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usage-relay/backend/internal/config"
	"github.com/usage-relay/backend/internal/event"
	"github.com/usage-relay/backend/internal/metrics"
	"github.com/usage-relay/backend/internal/mock"
	"github.com/usage-relay/backend/internal/session"
	"github.com/usage-relay/backend/internal/status"
	"github.com/usage-relay/backend/internal/store"
	"github.com/usage-relay/backend/internal/telemetry"
	"github.com/usage-relay/backend/internal/tracker"
	"github.com/usage-relay/backend/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Drive the server with simulated devices")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *mockMode {
		cfg.Mock = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "usage-relay")
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("Tracing shutdown: %v", err)
		}
	}()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}
	defer st.Close()
	log.Printf("Usage records stored with the %s driver", cfg.Store.Driver)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	clock := quartz.NewReal()
	hub := ws.NewHub(cfg.Server.MaxConnections)
	promReg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "usage_relay",
		Name:      "ws_clients",
		Help:      "Connected websocket clients.",
	}, func() float64 { return float64(hub.ClientCount()) }))

	registry := session.NewRegistry(st, clock)
	dispatcher := event.NewDispatcher(m.Transport(hub), clock)
	tr := tracker.New(registry, dispatcher, m, clock)
	go tr.Run(ctx)

	sweeps := registry.StartCleanupSchedule(ctx)

	if cfg.Status.Enabled {
		status.New(cfg.Status, nil, dispatcher, clock).Start(ctx)
	}

	if cfg.Mock {
		log.Println("Starting in mock mode")
		mock.NewGenerator(tr, dispatcher, clock).Start(ctx)
	}

	server := ws.NewServer(hub, tr, cfg.Privacy.NewPrivacyFilter(), cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	server.SetHistory(st)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpServer := ws.NewHTTPServer(cfg.Server.Host, cfg.Server.Port, mux)
	go func() {
		log.Printf("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	hub.Close()
	_ = sweeps.Wait()

	if n := registry.Count(); n > 0 {
		log.Printf("%d active sessions were not finalized", n)
	}
}
