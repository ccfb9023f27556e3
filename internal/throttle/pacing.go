package throttle

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Range is an inclusive duration range.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// PacingConfig holds the ranges human-like input is drawn from.
type PacingConfig struct {
	Keystroke Range
	// WordPause is added after whitespace while typing.
	WordPause      Range
	MouseSteps     [2]int
	MouseStepDelay Range
	ScrollStepPx   [2]int
	ScrollDelay    Range
	Think          Range
}

// DefaultPacing returns ranges typical of a person at a keyboard.
func DefaultPacing() PacingConfig {
	return PacingConfig{
		Keystroke:      Range{Min: 60 * time.Millisecond, Max: 180 * time.Millisecond},
		WordPause:      Range{Min: 80 * time.Millisecond, Max: 400 * time.Millisecond},
		MouseSteps:     [2]int{12, 30},
		MouseStepDelay: Range{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		ScrollStepPx:   [2]int{80, 240},
		ScrollDelay:    Range{Min: 120 * time.Millisecond, Max: 450 * time.Millisecond},
		Think:          Range{Min: 800 * time.Millisecond, Max: 2500 * time.Millisecond},
	}
}

// Point is a viewport coordinate.
type Point struct {
	X float64
	Y float64
}

// Pacer draws pacing values. It is safe for concurrent use.
type Pacer struct {
	cfg PacingConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer returns a Pacer seeded from seed; zero picks a time-based seed.
func NewPacer(cfg PacingConfig, seed uint64) *Pacer {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	// #nosec G404 -- pacing jitter, not security sensitive.
	return &Pacer{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed>>1))}
}

// TypingDelays returns the pause before each rune of text.
func (p *Pacer) TypingDelays(text string) []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	runes := []rune(text)
	out := make([]time.Duration, len(runes))
	for i, r := range runes {
		d := between(p.rng, p.cfg.Keystroke.Min, p.cfg.Keystroke.Max)
		if i > 0 && (runes[i-1] == ' ' || r == ' ') {
			d += between(p.rng, p.cfg.WordPause.Min, p.cfg.WordPause.Max)
		}
		out[i] = d
	}
	return out
}

// MousePath returns intermediate points from -> to along a curved,
// eased path ending exactly at to.
func (p *Pacer) MousePath(from, to Point) []Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	steps := p.intBetween(p.cfg.MouseSteps[0], p.cfg.MouseSteps[1])
	if steps < 1 {
		steps = 1
	}
	// A single control point offset from the midpoint bends the path.
	dist := math.Hypot(to.X-from.X, to.Y-from.Y)
	ctrl := Point{
		X: (from.X+to.X)/2 + (p.rng.Float64()-0.5)*dist*0.3,
		Y: (from.Y+to.Y)/2 + (p.rng.Float64()-0.5)*dist*0.3,
	}
	path := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		t = t * t * (3 - 2*t)
		u := 1 - t
		path = append(path, Point{
			X: u*u*from.X + 2*u*t*ctrl.X + t*t*to.X,
			Y: u*u*from.Y + 2*u*t*ctrl.Y + t*t*to.Y,
		})
	}
	path[len(path)-1] = to
	return path
}

// MouseStepDelay returns the pause between pointer moves.
func (p *Pacer) MouseStepDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return between(p.rng, p.cfg.MouseStepDelay.Min, p.cfg.MouseStepDelay.Max)
}

// ScrollSteps splits distance pixels into uneven wheel steps summing to distance.
func (p *Pacer) ScrollSteps(distance int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sign := 1
	if distance < 0 {
		sign, distance = -1, -distance
	}
	var out []int
	for distance > 0 {
		step := min(max(p.intBetween(p.cfg.ScrollStepPx[0], p.cfg.ScrollStepPx[1]), 1), distance)
		out = append(out, sign*step)
		distance -= step
	}
	return out
}

// ScrollDelay returns the pause between scroll steps.
func (p *Pacer) ScrollDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return between(p.rng, p.cfg.ScrollDelay.Min, p.cfg.ScrollDelay.Max)
}

// Think returns a pause between workflow steps.
func (p *Pacer) Think() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return between(p.rng, p.cfg.Think.Min, p.cfg.Think.Max)
}

// Between returns a duration drawn from [lo, hi].
func (p *Pacer) Between(lo, hi time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return between(p.rng, lo, hi)
}

// Jitter returns an offset drawn from [-spread, spread].
func (p *Pacer) Jitter(spread float64) float64 {
	if spread <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return (p.rng.Float64()*2 - 1) * spread
}

func (p *Pacer) intBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + p.rng.IntN(hi-lo+1)
}
