// Package tune picks a learning rate and a batch size before training by
// running short trial steps.
package tune

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var ErrNoSuggestion = errors.New("not enough points to suggest a learning rate")

// Schedule returns steps learning rates growing exponentially from min to max.
func Schedule(min, max float64, steps int) []float64 {
	if steps <= 0 {
		return nil
	}
	if steps == 1 {
		return []float64{min}
	}
	lrs := make([]float64, steps)
	ratio := max / min
	for i := range lrs {
		lrs[i] = min * math.Pow(ratio, float64(i)/float64(steps-1))
	}
	return lrs
}

// Smoother is an exponential moving average with bias correction.
type Smoother struct {
	Beta float64
	avg  float64
	n    int
}

func (s *Smoother) Add(v float64) float64 {
	s.n++
	s.avg = s.Beta*s.avg + (1-s.Beta)*v
	return s.avg / (1 - math.Pow(s.Beta, float64(s.n)))
}

type LRFinder struct {
	Min, Max float64
	Steps    int
	Beta     float64
	// Diverge stops the search once the smoothed loss exceeds Diverge times
	// the best smoothed loss so far.
	Diverge float64
	// SkipBegin and SkipEnd trim the curve before suggesting.
	SkipBegin, SkipEnd int
}

func DefaultLRFinder() *LRFinder {
	return &LRFinder{
		Min:       1e-8,
		Max:       1,
		Steps:     100,
		Beta:      0.98,
		Diverge:   4,
		SkipBegin: 10,
		SkipEnd:   1,
	}
}

type LRResult struct {
	LRs        []float64
	Losses     []float64
	Suggestion float64
}

// Run calls step once per scheduled learning rate, recording the smoothed
// loss, and suggests the learning rate at the steepest descent.
func (f *LRFinder) Run(step func(lr float64) (float64, error)) (*LRResult, error) {
	s := &Smoother{Beta: f.Beta}
	res := &LRResult{}
	best := math.Inf(1)

	for i, lr := range Schedule(f.Min, f.Max, f.Steps) {
		loss, err := step(lr)
		if err != nil {
			return nil, fmt.Errorf("lr finder step %d (lr=%g): %w", i, lr, err)
		}
		smoothed := s.Add(loss)
		res.LRs = append(res.LRs, lr)
		res.Losses = append(res.Losses, smoothed)

		if i > 0 && (smoothed > f.Diverge*best || math.IsNaN(smoothed)) {
			break
		}
		if smoothed < best {
			best = smoothed
		}
	}

	lr, err := Suggest(res.LRs, res.Losses, f.SkipBegin, f.SkipEnd)
	if err != nil {
		return res, err
	}
	res.Suggestion = lr
	return res, nil
}

// Suggest returns the learning rate where the loss curve falls fastest,
// ignoring the first skipBegin and last skipEnd points and any non-finite
// losses.
func Suggest(lrs, losses []float64, skipBegin, skipEnd int) (float64, error) {
	if len(lrs) != len(losses) {
		return 0, fmt.Errorf("%d learning rates for %d losses", len(lrs), len(losses))
	}
	end := len(losses) - skipEnd
	if skipBegin < 0 || end-skipBegin < 2 {
		return 0, ErrNoSuggestion
	}

	var xs, ys []float64
	for i := skipBegin; i < end; i++ {
		if math.IsNaN(losses[i]) || math.IsInf(losses[i], 0) {
			continue
		}
		xs = append(xs, lrs[i])
		ys = append(ys, losses[i])
	}
	if len(ys) < 2 {
		return 0, ErrNoSuggestion
	}

	return xs[floats.MinIdx(gradient(ys))], nil
}

// gradient uses central differences inside and one-sided ones at the ends,
// over unit spacing.
func gradient(ys []float64) []float64 {
	n := len(ys)
	g := make([]float64, n)
	g[0] = ys[1] - ys[0]
	g[n-1] = ys[n-1] - ys[n-2]
	for i := 1; i < n-1; i++ {
		g[i] = (ys[i+1] - ys[i-1]) / 2
	}
	return g
}
