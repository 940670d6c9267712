package positioning

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/roomsense/internal/monitoring"
)

// Solver outcome sentinels. Neither is fatal: they mean "no position yet"
// and are counted informationally by the engine, never as failures.
var (
	ErrInsufficientAnchors = errors.New("insufficient anchors for a solve")
	ErrNoSolution          = errors.New("no strategy produced a position")
)

// Point3 is a position in room coordinates, metres.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Room is the valid solve volume: [0,Width]x[0,Height]x[0,Depth].
type Room struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Depth  float64 `json:"depth"`
}

// Center returns the room's geometric centre, the optimiser's initial guess.
func (r Room) Center() Point3 {
	return Point3{X: r.Width / 2, Y: r.Height / 2, Z: r.Depth / 2}
}

// RangeInput is one anchor's contribution to a solve: the anchor's known
// position, its (corrected, possibly averaged) distance estimate and the
// aggregator's weight for it.
type RangeInput struct {
	AnchorID string
	Anchor   Point3
	Distance float64
	Weight   float64
}

// SolverConfig carries the solver's tunable heuristics.
type SolverConfig struct {
	// ZVariationMin is the minimum anchor height spread (metres) for the
	// true-3D least-squares stage to run. Anchors are usually near-coplanar,
	// in which case the 2D+height path is better conditioned.
	ZVariationMin float64

	// HeightAcceptCap is the generous Z bound used when accepting candidates,
	// allowing for sensor uncertainty near ceiling and floor.
	HeightAcceptCap float64

	// WallMargin is the distance to a wall (metres) under which the height
	// heuristic biases estimates toward floor level.
	WallMargin float64

	// MaxIterations caps the nonlinear optimiser.
	MaxIterations int
}

// DefaultSolverConfig returns the production heuristics.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		ZVariationMin:   0.5,
		HeightAcceptCap: 4.0,
		WallMargin:      2.0,
		MaxIterations:   250,
	}
}

// Solution is a successful solve.
type Solution struct {
	Position Point3
	// Strategy names the stage that produced the position:
	// "lsq3d", "lsq2d", "centroid" or "circles".
	Strategy string
	// Clamped is true when the winning candidate was out of bounds and was
	// pulled back into the room.
	Clamped bool
	// AnchorsUsed is the number of contributing anchors.
	AnchorsUsed int
	// NumericFailures counts strategies that aborted on NaN/Inf or singular
	// systems during this solve. Informational.
	NumericFailures int
}

// Solver estimates device positions from weighted per-anchor ranges by
// walking an ordered list of strategies and stopping at the first in-bounds
// result. Stateless apart from its configuration; safe to share once built.
type Solver struct {
	room Room
	cfg  SolverConfig
}

// NewSolver builds a solver for the given room.
func NewSolver(room Room, cfg SolverConfig) *Solver {
	return &Solver{room: room, cfg: cfg}
}

// Room returns the configured room bounds.
func (s *Solver) Room() Room { return s.room }

type candidate struct {
	pos Point3
	ok  bool
}

// Solve walks the strategy chain. It requires at least two contributing
// anchors (ErrInsufficientAnchors otherwise). Every strategy either declines
// or yields a candidate; the first in-bounds candidate wins, and the first
// out-of-bounds candidate is retained and clamped into the room if nothing
// better appears. ErrNoSolution when no strategy yields anything at all.
func (s *Solver) Solve(inputs []RangeInput) (Solution, error) {
	if len(inputs) < 2 {
		return Solution{}, ErrInsufficientAnchors
	}

	sol := Solution{AnchorsUsed: len(inputs)}
	strategies := []struct {
		name string
		fn   func([]RangeInput) candidate
	}{
		{"lsq3d", s.solve3D},
		{"lsq2d", s.solve2D},
		{"centroid", s.solveCentroid},
		{"circles", s.solveCircles},
	}

	var fallback *Solution
	for _, st := range strategies {
		c := st.fn(inputs)
		if !c.ok {
			continue
		}
		if !isFinitePoint(c.pos) {
			sol.NumericFailures++
			continue
		}
		monitoring.Debugf("solver: %s candidate (%.2f, %.2f, %.2f)", st.name, c.pos.X, c.pos.Y, c.pos.Z)
		if s.inBounds(c.pos) {
			sol.Position = c.pos
			sol.Strategy = st.name
			return sol, nil
		}
		if fallback == nil {
			f := sol
			f.Position = c.pos
			f.Strategy = st.name
			fallback = &f
		}
	}

	if fallback != nil {
		// A computed horizontal position is never discarded just because it
		// landed outside the room; it is clamped back in.
		fallback.Position = s.clampIntoRoom(fallback.Position)
		fallback.Clamped = true
		fallback.NumericFailures = sol.NumericFailures
		return *fallback, nil
	}
	return Solution{}, ErrNoSolution
}

// inBounds accepts candidates within the room footprint and a generous
// height cap (sensor uncertainty near ceiling and floor).
func (s *Solver) inBounds(p Point3) bool {
	zCap := s.cfg.HeightAcceptCap
	return p.X >= 0 && p.X <= s.room.Width &&
		p.Y >= 0 && p.Y <= s.room.Height &&
		p.Z >= 0 && p.Z <= zCap
}

// clampIntoRoom pulls each axis independently into the usable interior.
func (s *Solver) clampIntoRoom(p Point3) Point3 {
	return Point3{
		X: clamp(p.X, 0.5, s.room.Width-0.5),
		Y: clamp(p.Y, 0.5, s.room.Height-0.5),
		Z: clamp(p.Z, 0.5, 3.0),
	}
}

// solve3D minimises the weighted range residual over the room volume with
// Nelder-Mead, seeded at the room centre. It only runs when the anchors have
// enough height spread to condition the Z axis; near-coplanar anchors make
// the problem rank-deficient in Z and the 2D+height stage handles them
// better.
func (s *Solver) solve3D(inputs []RangeInput) candidate {
	if len(inputs) < 3 {
		return candidate{}
	}

	zMin, zMax := inputs[0].Anchor.Z, inputs[0].Anchor.Z
	for _, in := range inputs[1:] {
		zMin = math.Min(zMin, in.Anchor.Z)
		zMax = math.Max(zMax, in.Anchor.Z)
	}
	if zMax-zMin < s.cfg.ZVariationMin {
		return candidate{}
	}

	objective := func(x []float64) float64 {
		var sum float64
		for _, in := range inputs {
			dx := x[0] - in.Anchor.X
			dy := x[1] - in.Anchor.Y
			dz := x[2] - in.Anchor.Z
			r := math.Sqrt(dx*dx+dy*dy+dz*dz) - in.Distance
			sum += in.Weight * r * r
		}
		// Soft bounds keep the simplex inside the room volume.
		sum += boundPenalty(x[0], 0, s.room.Width)
		sum += boundPenalty(x[1], 0, s.room.Height)
		sum += boundPenalty(x[2], 0, s.cfg.HeightAcceptCap)
		return sum
	}

	problem := optimize.Problem{Func: objective}
	center := s.room.Center()
	settings := &optimize.Settings{MajorIterations: s.cfg.MaxIterations}

	result, err := optimize.Minimize(problem, []float64{center.X, center.Y, center.Z}, settings, &optimize.NelderMead{})
	if err != nil || result == nil {
		return candidate{}
	}
	p := Point3{X: result.X[0], Y: result.X[1], Z: result.X[2]}
	if !isFinitePoint(p) || !isFinite(result.F) {
		return candidate{}
	}
	return candidate{pos: p, ok: true}
}

// solve2D linearises the range equations in the horizontal plane (the
// classic subtract-the-reference-equation trick) and solves the
// overdetermined system by QR least squares, then estimates height
// separately.
func (s *Solver) solve2D(inputs []RangeInput) candidate {
	if len(inputs) < 3 {
		return candidate{}
	}

	ref := inputs[0]
	rows := len(inputs) - 1
	aData := make([]float64, 0, rows*2)
	bData := make([]float64, 0, rows)
	for _, in := range inputs[1:] {
		aData = append(aData,
			2*(in.Anchor.X-ref.Anchor.X),
			2*(in.Anchor.Y-ref.Anchor.Y),
		)
		bData = append(bData,
			in.Distance*in.Distance-ref.Distance*ref.Distance-
				in.Anchor.X*in.Anchor.X+ref.Anchor.X*ref.Anchor.X-
				in.Anchor.Y*in.Anchor.Y+ref.Anchor.Y*ref.Anchor.Y)
	}

	a := mat.NewDense(rows, 2, aData)
	b := mat.NewVecDense(rows, bData)

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		// Rank-deficient (collinear anchors); let the next strategy try.
		return candidate{}
	}

	px, py := x.AtVec(0), x.AtVec(1)
	if !isFinite(px) || !isFinite(py) {
		return candidate{}
	}
	return candidate{pos: Point3{X: px, Y: py, Z: s.estimateHeight(px, py, inputs)}, ok: true}
}

// solveCentroid blends anchor positions weighted by confidence and inverse
// distance. Needs at least three anchors: with two the blend collapses onto
// the segment between them and the circle-intersection stage does strictly
// better (including correctly failing on inconsistent geometry).
func (s *Solver) solveCentroid(inputs []RangeInput) candidate {
	if len(inputs) < 3 {
		return candidate{}
	}
	var sumW, sx, sy float64
	for _, in := range inputs {
		w := in.Weight / (in.Distance + 0.1)
		sx += in.Anchor.X * w
		sy += in.Anchor.Y * w
		sumW += w
	}
	if sumW <= 0 {
		return candidate{}
	}
	x, y := sx/sumW, sy/sumW
	return candidate{pos: Point3{X: x, Y: y, Z: s.estimateHeight(x, y, inputs)}, ok: true}
}

// solveCircles intersects the horizontal range circles of the two
// highest-weight anchors. Zero intersections (disjoint or contained
// circles) means the geometry is inconsistent and the strategy declines;
// two intersections are disambiguated by weighted residual against the
// remaining anchors, preferring in-bounds points.
func (s *Solver) solveCircles(inputs []RangeInput) candidate {
	sorted := make([]RangeInput, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })

	c1, c2 := sorted[0], sorted[1]
	x1, y1, r1 := c1.Anchor.X, c1.Anchor.Y, c1.Distance
	x2, y2, r2 := c2.Anchor.X, c2.Anchor.Y, c2.Distance

	dx, dy := x2-x1, y2-y1
	d := math.Hypot(dx, dy)
	if d == 0 || d > r1+r2 || d < math.Abs(r1-r2) {
		return candidate{}
	}

	a := (r1*r1 - r2*r2 + d*d) / (2 * d)
	h2 := r1*r1 - a*a
	if h2 < 0 {
		h2 = 0 // tangent within rounding
	}
	h := math.Sqrt(h2)

	mx, my := x1+a*dx/d, y1+a*dy/d
	p1 := Point3{X: mx + h*dy/d, Y: my - h*dx/d}
	p2 := Point3{X: mx - h*dy/d, Y: my + h*dx/d}

	best := p1
	if h > 0 {
		best = s.pickIntersection(p1, p2, sorted[2:])
	}
	best.Z = s.estimateHeight(best.X, best.Y, inputs)
	return candidate{pos: best, ok: true}
}

// pickIntersection chooses between the two circle intersection points:
// lowest weighted residual against the non-defining anchors, falling back to
// in-bounds preference when no other anchors exist.
func (s *Solver) pickIntersection(p1, p2 Point3, others []RangeInput) Point3 {
	if len(others) == 0 {
		in1 := p1.X >= 0 && p1.X <= s.room.Width && p1.Y >= 0 && p1.Y <= s.room.Height
		in2 := p2.X >= 0 && p2.X <= s.room.Width && p2.Y >= 0 && p2.Y <= s.room.Height
		if !in1 && in2 {
			return p2
		}
		return p1
	}

	residual := func(p Point3) float64 {
		var sum float64
		for _, o := range others {
			d := math.Hypot(p.X-o.Anchor.X, p.Y-o.Anchor.Y)
			sum += o.Weight * math.Abs(d-o.Distance)
		}
		return sum
	}
	if residual(p2) < residual(p1) {
		return p2
	}
	return p1
}

// estimateHeight derives Z for a horizontal candidate. Each anchor whose
// slant range exceeds its horizontal distance to the candidate implies a
// vertical offset (Pythagoras) from the anchor's height; the estimates are
// blended with inverse-distance weights. Candidates near a wall are biased
// toward floor level: most wall-adjacent objects sit low.
func (s *Solver) estimateHeight(x, y float64, inputs []RangeInput) float64 {
	var sumW, sumZ float64
	for _, in := range inputs {
		horiz := math.Hypot(x-in.Anchor.X, y-in.Anchor.Y)
		z := in.Anchor.Z
		if in.Distance > horiz {
			z += math.Sqrt(in.Distance*in.Distance - horiz*horiz)
		}
		w := 1 / (in.Distance + 0.1)
		sumZ += z * w
		sumW += w
	}

	avg := 1.5
	if sumW > 0 {
		avg = sumZ / sumW
	}

	nearWall := x < s.cfg.WallMargin || x > s.room.Width-s.cfg.WallMargin ||
		y < s.cfg.WallMargin || y > s.room.Height-s.cfg.WallMargin
	var est float64
	if nearWall {
		est = avg * 0.7
	} else {
		est = clamp(avg, 1.0, 2.5)
	}

	return clamp(est, 0.3, math.Min(3.0, s.room.Depth))
}

func boundPenalty(v, lo, hi float64) float64 {
	const k = 1e3
	if v < lo {
		return k * (lo - v) * (lo - v)
	}
	if v > hi {
		return k * (v - hi) * (v - hi)
	}
	return 0
}

func isFinitePoint(p Point3) bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}
