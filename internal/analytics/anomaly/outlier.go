package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ml"
)

// OutlierTest decides whether a candidate value is an outlier relative to a
// baseline. Score is algorithm specific; larger means more anomalous.
type OutlierTest interface {
	Name() string
	Threshold() float64
	Evaluate(baseline []float64, candidate float64) (score float64, anomalous bool)
}

// Algorithm names accepted by NewOutlierTest.
const (
	AlgorithmMAD             = "mad"
	AlgorithmZScore          = "zscore"
	AlgorithmIsolationForest = "isolation_forest"
)

// NewOutlierTest returns the named test. Sensitivity (0..1) only affects the
// z-score test.
func NewOutlierTest(name string, sensitivity float64) (OutlierTest, error) {
	switch name {
	case "", AlgorithmMAD:
		return MADTest{Limit: 3.5}, nil
	case AlgorithmZScore:
		return ZScoreTest{Limit: sensitivityToZThreshold(sensitivity)}, nil
	case AlgorithmIsolationForest:
		return IsolationForestTest{Trees: 100, Limit: 0.6, Seed: 42}, nil
	}
	return nil, fmt.Errorf("unknown anomaly algorithm %q", name)
}

// MADTest flags values whose modified z-score exceeds Limit.
// modified z = 0.6745 * |x - median| / MAD
type MADTest struct {
	Limit float64
}

func (MADTest) Name() string         { return AlgorithmMAD }
func (t MADTest) Threshold() float64 { return t.Limit }

func (t MADTest) Evaluate(baseline []float64, candidate float64) (float64, bool) {
	med := median(baseline)
	mad := medianAbsDeviation(baseline, med)
	dev := math.Abs(candidate - med)
	if mad == 0 {
		// A flat baseline has no spread; any departure is an outlier.
		return flatScore(dev, med), dev > flatTolerance(med)
	}
	z := 0.6745 * dev / mad
	return z, z > t.Limit
}

// ZScoreTest flags values more than Limit standard deviations from the mean.
type ZScoreTest struct {
	Limit float64
}

func (ZScoreTest) Name() string         { return AlgorithmZScore }
func (t ZScoreTest) Threshold() float64 { return t.Limit }

func (t ZScoreTest) Evaluate(baseline []float64, candidate float64) (float64, bool) {
	b := computeBaseline(baseline)
	dev := math.Abs(candidate - b.mean)
	if b.stdDev == 0 {
		return flatScore(dev, b.mean), dev > flatTolerance(b.mean)
	}
	z := dev / b.stdDev
	return z, z > t.Limit
}

// IsolationForestTest fits a seeded forest on baseline plus candidate and
// flags the candidate when its isolation score exceeds Limit.
type IsolationForestTest struct {
	Trees int
	Limit float64
	Seed  int64
}

func (IsolationForestTest) Name() string         { return AlgorithmIsolationForest }
func (t IsolationForestTest) Threshold() float64 { return t.Limit }

func (t IsolationForestTest) Evaluate(baseline []float64, candidate float64) (float64, bool) {
	values := make([]float64, 0, len(baseline)+1)
	values = append(values, baseline...)
	values = append(values, candidate)

	f := ml.NewIsolationForest(t.Trees, 256, t.Seed)
	f.Fit(values)
	score := f.Score(candidate)
	return score, score > t.Limit
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// sensitivityToZThreshold maps 0.0-1.0 sensitivity to z-score threshold.
// sensitivity=1.0 → z=1.5 (most sensitive), sensitivity=0.0 → z=4.0 (least sensitive)
func sensitivityToZThreshold(s float64) float64 {
	s = math.Max(0, math.Min(1, s))
	return 4.0 - (s * 2.5)
}

const flatScoreCap = 1e6

// flatScore expresses a deviation from a zero-spread baseline relative to its
// level, capped so that it stays finite.
func flatScore(dev, level float64) float64 {
	if dev == 0 {
		return 0
	}
	if level == 0 {
		return flatScoreCap
	}
	return math.Min(flatScoreCap, dev/math.Abs(level))
}

func flatTolerance(level float64) float64 {
	return 1e-9 * math.Max(1, math.Abs(level))
}

type baselineStats struct {
	mean   float64
	stdDev float64
	count  int
}

func computeBaseline(values []float64) baselineStats {
	if len(values) == 0 {
		return baselineStats{}
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return baselineStats{mean: mean, stdDev: math.Sqrt(variance), count: len(values)}
}

func mean(values []float64) float64 {
	return computeBaseline(values).mean
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return quartile(sorted, 50)
}

func medianAbsDeviation(values []float64, med float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

func quartile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi || hi >= len(sorted) {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}
