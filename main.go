// roomsense estimates indoor device positions from anchor-reported signal
// ranges: Kalman-filtered measurements, multilateration with fallbacks, and
// a live HTTP/WebSocket surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/roomsense/internal/api"
	"github.com/banshee-data/roomsense/internal/broadcast"
	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/monitoring"
	"github.com/banshee-data/roomsense/internal/positioning"
	"github.com/banshee-data/roomsense/internal/storage"
	"github.com/banshee-data/roomsense/internal/timeutil"
)

var (
	listen    = flag.String("listen", ":8080", "Listen address")
	configDir = flag.String("config-dir", ".", "Directory for room/anchor config")
	dbFile    = flag.String("db", "roomsense.db", "Position database path (empty disables persistence)")
	tick      = flag.Duration("tick", 2*time.Second, "Lifecycle sweep interval")
	debug     = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *debug {
		monitoring.EnableDebug()
	}

	confStore, err := config.NewStore(*configDir)
	if err != nil {
		log.Fatalf("Failed to open config dir: %v", err)
	}
	room, err := confStore.LoadRoom()
	if err != nil {
		log.Fatalf("Failed to load room config: %v", err)
	}
	anchors, err := confStore.LoadAnchors()
	if err != nil {
		log.Fatalf("Failed to load anchors config: %v", err)
	}

	clock := timeutil.RealClock{}
	engineCfg := positioning.DefaultEngineConfig()
	engineCfg.Room = room
	engineCfg.Anchors = anchors
	engine, err := positioning.NewEngine(engineCfg, clock)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	var store *storage.DB
	if *dbFile != "" {
		store, err = storage.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
	}

	hub := broadcast.NewHub()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
		log.Print("broadcast hub terminated")
	}()

	// Lifecycle sweep: flag quiet anchors, expire stale positions and
	// devices, forward each event exactly once.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(*tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Print("lifecycle routine terminated")
				return
			case <-ticker.C():
				for _, ev := range engine.Tick() {
					if store != nil {
						if err := store.RecordEvent(ev); err != nil {
							log.Printf("failed to record event %s: %v", ev.ID, err)
						}
					}
					hub.PublishEvent(ev)
				}
				hub.PublishStatus(engine.Stats())
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(engine, store, confStore, hub).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
		log.Print("http server terminated")
	}()

	wg.Wait()
}
