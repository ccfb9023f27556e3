package throttle

import (
	"context"
	"fmt"
	"math"

	"github.com/JakeFAU/outreach-crawler/internal/metrics"
)

// Suspicion patterns.
const (
	PatternRegularIntervals = "regular-intervals"
	PatternRapidFire        = "rapid-fire"
	PatternBurst            = "burst"
)

const (
	recommendNormal  = "continue at current pace"
	recommendSlowing = "reduce action rate and lengthen delays"
)

// Assessment is the result of DetectSuspiciousActivity.
type Assessment struct {
	IsSuspicious   bool
	Patterns       []string
	Recommendation string
}

// DetectSuspiciousActivity inspects recent history for timing that looks
// automated: near-constant intervals, rapid fire, or bursts.
func (t *Throttle) DetectSuspiciousActivity(ctx context.Context) (Assessment, error) {
	cfg := t.cfg.Suspicion
	out := Assessment{Recommendation: recommendNormal}

	recent, err := t.history.Recent(ctx, max(cfg.SampleSize, 2))
	if err != nil {
		return out, fmt.Errorf("load activity: %w", err)
	}
	if len(recent) >= 3 {
		intervals := make([]float64, 0, len(recent)-1)
		for i := 1; i < len(recent); i++ {
			intervals = append(intervals, recent[i].At.Sub(recent[i-1].At).Seconds())
		}
		mean, stddev := meanStddev(intervals)
		if len(intervals) >= 4 && mean > 0 && stddev/mean < cfg.RegularityThreshold {
			out.Patterns = append(out.Patterns, PatternRegularIntervals)
		}
		if cfg.MinHumanInterval > 0 && mean < cfg.MinHumanInterval.Seconds() {
			out.Patterns = append(out.Patterns, PatternRapidFire)
		}
	}

	if cfg.BurstCount > 0 && cfg.BurstWindow > 0 {
		window, err := t.history.Since(ctx, t.clock.Now().Add(-cfg.BurstWindow))
		if err != nil {
			return out, fmt.Errorf("load activity: %w", err)
		}
		if len(window) >= cfg.BurstCount {
			out.Patterns = append(out.Patterns, PatternBurst)
		}
	}

	if len(out.Patterns) > 0 {
		out.IsSuspicious = true
		out.Recommendation = recommendSlowing
		for _, p := range out.Patterns {
			metrics.ObserveSuspicion(p)
		}
	}
	return out, nil
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
