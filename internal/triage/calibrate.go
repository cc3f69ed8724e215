package triage

import (
	"math"
	"sort"
)

// CalibrationFunc maps a raw probability to a calibrated one. Implementations
// must be monotone non-decreasing on [0,1].
type CalibrationFunc interface {
	Apply(raw float64) float64
}

// CalibrationSet holds per-finding calibration functions and an optional
// fallback used for findings without their own entry.
type CalibrationSet struct {
	ByFinding map[string]CalibrationFunc
	Default   CalibrationFunc
}

// Lookup returns the function for name, falling back to Default.
func (s CalibrationSet) Lookup(name string) (CalibrationFunc, bool) {
	if fn, ok := s.ByFinding[name]; ok && fn != nil {
		return fn, true
	}
	if s.Default != nil {
		return s.Default, true
	}
	return nil, false
}

// Calibrate returns the calibrated probability for one finding. When
// calibration is disabled or nothing is registered for name the (clamped)
// raw value is returned.
func Calibrate(set CalibrationSet, name string, raw float64, cfg *EngineConfig) float64 {
	raw = clampUnit(raw)
	if !cfg.CalibrationEnabled {
		return raw
	}
	fn, ok := set.Lookup(name)
	if !ok {
		return raw
	}
	return clampUnit(fn.Apply(raw))
}

// Temperature is logit scaling: sigmoid(logit(p) / T).
type Temperature struct {
	T float64
}

const logitEpsilon = 1e-7

func (t Temperature) Apply(raw float64) float64 {
	if t.T <= 0 || math.IsNaN(t.T) || math.IsInf(t.T, 0) {
		return raw
	}
	p := math.Min(math.Max(raw, logitEpsilon), 1-logitEpsilon)
	logit := math.Log(p / (1 - p))
	return 1 / (1 + math.Exp(-logit/t.T))
}

// IsotonicPoint is one knot of a fitted isotonic curve.
type IsotonicPoint struct {
	Raw        float64
	Calibrated float64
}

// Isotonic is a piecewise-linear curve through fitted knots with flat ends.
type Isotonic struct {
	points []IsotonicPoint
}

// NewIsotonic sorts points by raw value, drops non-finite knots and repairs
// the calibrated ordinates to a running maximum so the curve never decreases.
func NewIsotonic(points []IsotonicPoint) Isotonic {
	pts := make([]IsotonicPoint, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.Raw) || math.IsInf(p.Raw, 0) || math.IsNaN(p.Calibrated) || math.IsInf(p.Calibrated, 0) {
			continue
		}
		pts = append(pts, IsotonicPoint{Raw: p.Raw, Calibrated: clampUnit(p.Calibrated)})
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Raw < pts[j].Raw })
	for i := 1; i < len(pts); i++ {
		if pts[i].Calibrated < pts[i-1].Calibrated {
			pts[i].Calibrated = pts[i-1].Calibrated
		}
	}
	return Isotonic{points: pts}
}

// Points returns a copy of the repaired knots.
func (c Isotonic) Points() []IsotonicPoint {
	return append([]IsotonicPoint(nil), c.points...)
}

func (c Isotonic) Apply(raw float64) float64 {
	n := len(c.points)
	if n == 0 {
		return raw
	}
	if raw <= c.points[0].Raw {
		return c.points[0].Calibrated
	}
	if raw >= c.points[n-1].Raw {
		return c.points[n-1].Calibrated
	}
	// first knot strictly above raw; i >= 1 here
	i := sort.Search(n, func(i int) bool { return c.points[i].Raw > raw })
	lo, hi := c.points[i-1], c.points[i]
	if hi.Raw == lo.Raw {
		return hi.Calibrated
	}
	frac := (raw - lo.Raw) / (hi.Raw - lo.Raw)
	return lo.Calibrated + frac*(hi.Calibrated-lo.Calibrated)
}
