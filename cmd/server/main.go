package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/config"
	"github.com/tote-system/whatsapp-gateway/internal/creds"
	"github.com/tote-system/whatsapp-gateway/internal/dispatch"
	"github.com/tote-system/whatsapp-gateway/internal/health"
	"github.com/tote-system/whatsapp-gateway/internal/instance"
	"github.com/tote-system/whatsapp-gateway/internal/mock"
	"github.com/tote-system/whatsapp-gateway/internal/reconcile"
	"github.com/tote-system/whatsapp-gateway/internal/session"
	"github.com/tote-system/whatsapp-gateway/internal/store"
	"github.com/tote-system/whatsapp-gateway/internal/transport"
	"github.com/tote-system/whatsapp-gateway/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use a scripted mock transport")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	bridgeURL := flag.String("bridge", "", "Override transport bridge URL")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *bridgeURL != "" {
		cfg.Transport.BridgeURL = *bridgeURL
	}

	records, err := store.OpenFileStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open instance store: %v", err)
	}
	credStore := creds.NewStore(cfg.Sessions.Dir)

	var dialer transport.Dialer
	if *mockMode {
		log.Println("Starting in mock mode (scripted transport)")
		dialer = mock.NewDialer(mock.Script{
			QR:        "mock-qr-payload",
			ScanDelay: 3 * time.Second,
			User:      "15550000001",
			Contacts:  []string{"15550000002", "15550000003"},
		})
	} else {
		log.Printf("Starting with transport bridge at %s", cfg.Transport.BridgeURL)
		dialer = transport.NewBridgeDialer(cfg.Transport.BridgeURL)
	}

	manager := session.NewManager(dialer, credStore, session.Options{
		ReconnectDelay:       cfg.Connect.ReconnectDelay,
		ReconnectMaxDelay:    cfg.Connect.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.Connect.ReconnectMaxAttempts,
		IdentityAttempts:     cfg.Connect.IdentityAttempts,
		IdentityDelay:        cfg.Connect.IdentityDelay,
		StoredIdentity: func(id string) string {
			rec, err := records.Get(id)
			if err != nil {
				return ""
			}
			return rec.Identity
		},
	})

	healthReader := health.NewReader()
	broadcaster := ws.NewBroadcaster(manager, healthReader, cfg.Feed.BroadcastThrottle, cfg.Feed.SnapshotInterval)
	manager.SetNotifier(broadcaster)

	svc := instance.NewService(manager, records, credStore, cfg.Connect.QRValidFor)
	dispatcher := dispatch.NewService(manager, cfg.Dispatch.Pace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restored, failed := svc.Restore(ctx)
	log.Printf("Session restore: %d restored, %d failed", restored, failed)

	reconciler := reconcile.New(manager, records, cfg.Sync.Interval, cfg.Sync.LastSeenTolerance)
	go reconciler.Run(ctx)
	go manager.RunSweeper(ctx, cfg.Cleanup.Interval, cfg.Cleanup.IdleThreshold)

	server := ws.NewServer(svc, dispatcher, broadcaster, healthReader, cfg.Feed.AllowedOrigins, cfg.Server.AuthToken)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
