// Command trailplot renders a device's recent trail from the position log
// to a PNG: the path over the room floor plan, coloured markers at each fix.
package main

import (
	"flag"
	"fmt"
	"log"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/roomsense/internal/storage"
)

var (
	dbPath = flag.String("db", "roomsense.db", "position database")
	mac    = flag.String("mac", "", "device MAC to plot (required)")
	limit  = flag.Int("limit", 500, "max positions to plot")
	out    = flag.String("out", "trail.png", "output PNG path")
	width  = flag.Float64("room-width", 20, "room width for axis bounds")
	height = flag.Float64("room-height", 15, "room height for axis bounds")
)

func main() {
	flag.Parse()
	if *mac == "" {
		log.Fatal("-mac is required")
	}

	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *dbPath, err)
	}
	defer db.Close()

	trail, err := db.Trail(*mac, *limit)
	if err != nil {
		log.Fatalf("failed to read trail: %v", err)
	}
	if len(trail) == 0 {
		log.Fatalf("no positions recorded for %s", *mac)
	}

	// Trail comes back newest first; plot oldest to newest.
	pts := make(plotter.XYs, 0, len(trail))
	for i := len(trail) - 1; i >= 0; i-- {
		pts = append(pts, plotter.XY{X: trail[i].Position.X, Y: trail[i].Position.Y})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trail for %s (%d fixes)", *mac, len(trail))
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.X.Min, p.X.Max = 0, *width
	p.Y.Min, p.Y.Max = 0, *height

	line, err := plotter.NewLine(pts)
	if err != nil {
		log.Fatalf("failed to build line: %v", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		log.Fatalf("failed to build scatter: %v", err)
	}
	scatter.Radius = vg.Points(2)
	p.Add(scatter)

	if err := p.Save(10*vg.Inch, 7.5*vg.Inch, *out); err != nil {
		log.Fatalf("failed to save plot: %v", err)
	}
	log.Printf("wrote %s", *out)
}
