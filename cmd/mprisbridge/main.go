package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mprisbridge/internal/bus"
	"mprisbridge/internal/crypto"
	"mprisbridge/internal/httputil"
	"mprisbridge/internal/monitor"
	"mprisbridge/internal/notifier"
	"mprisbridge/internal/pairing"
	"mprisbridge/internal/relay"
	"mprisbridge/internal/store"
)

func main() {
	pairingAddr := envOr("PAIRING_ADDR", ":40052")
	relayAddr := envOr("RELAY_ADDR", ":40051")
	dbPath := envOr("DB_PATH", defaultDBPath())
	sealKey := os.Getenv("SEAL_KEY")
	webhook := os.Getenv("NOTIFY_WEBHOOK")

	if os.Getenv("LOG_DEBUG") == "1" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		log.Fatal(err)
	}

	var storeOpts []store.Option
	if sealKey != "" {
		sealer, err := crypto.NewSealer(sealKey)
		if err != nil {
			log.Fatalf("reading SEAL_KEY: %v", err)
		}
		storeOpts = append(storeOpts, store.WithSealer(sealer))
	}
	s, err := store.New(dbPath, storeOpts...)
	if err != nil {
		log.Fatalf("opening credential store: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		log.Fatalf("running migrations: %v", err)
	}
	if s.HasSealer() {
		log.Println("credential sealing enabled")
	}

	var notifyOpts []notifier.Option
	if webhook != "" {
		if err := httputil.ValidateWebhookURL(webhook); err != nil {
			log.Fatalf("NOTIFY_WEBHOOK: %v", err)
		}
		notifyOpts = append(notifyOpts, notifier.WithWebhook(webhook))
	}
	if nb, err := bus.Connect(); err == nil {
		defer nb.Close()
		notifyOpts = append(notifyOpts, notifier.WithBus(nb))
	} else {
		log.Printf("desktop notifications unavailable: %v", err)
	}

	m := monitor.New(bus.Connect)
	auth := pairing.New(s, pairing.WithNotifier(notifier.New(notifyOpts...)))
	rel := relay.NewServer(s, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.Start(ctx)
	defer m.Stop()

	pairingServer := &http.Server{
		Addr:              pairingAddr,
		Handler:           auth,
		ReadHeaderTimeout: 10 * time.Second,
	}
	relayServer := &http.Server{
		Addr:              relayAddr,
		Handler:           rel,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("pairing listening on %s", pairingAddr)
		if err := pairingServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("relay listening on %s", relayAddr)
		if err := relayServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pairingServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("pairing shutdown: %v", err)
		}
		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("relay shutdown: %v", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./mprisbridge.db"
	}
	return filepath.Join(home, ".local", "share", "mprisbridge", "credentials.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
