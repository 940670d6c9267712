// Command sim feeds a running roomsense server with synthetic anchor
// batches: simulated devices walking the configured room.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/roomsense/internal/config"
	"github.com/banshee-data/roomsense/internal/positioning"
	"github.com/banshee-data/roomsense/internal/sim"
)

var (
	server    = flag.String("server", "http://localhost:8080", "roomsense server base URL")
	configDir = flag.String("config-dir", ".", "directory holding room/anchor config")
	devices   = flag.Int("devices", 3, "number of simulated devices")
	interval  = flag.Duration("interval", time.Second, "batch interval")
	noise     = flag.Float64("noise", 0.5, "distance noise std dev (metres)")
	seed      = flag.Int64("seed", 0, "random seed (0 = from clock)")
)

func main() {
	flag.Parse()

	store, err := config.NewStore(*configDir)
	if err != nil {
		log.Fatalf("failed to open config dir: %v", err)
	}
	room, err := store.LoadRoom()
	if err != nil {
		log.Fatalf("failed to load room config: %v", err)
	}
	anchors, err := store.LoadAnchors()
	if err != nil {
		log.Fatalf("failed to load anchors config: %v", err)
	}

	s := sim.New(sim.Config{
		ServerURL:  *server,
		Room:       room,
		Anchors:    anchors,
		PathLoss:   positioning.DefaultPathLossModel(),
		Devices:    *devices,
		Interval:   *interval,
		NoiseSigma: *noise,
		Seed:       *seed,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("simulator stopped: %v", err)
	}
}
