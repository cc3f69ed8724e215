// Package calibration loads the calibration artifact produced offline for the
// classifier and turns it into a triage.CalibrationSet.
//
// The artifact is JSON with either or both of:
//
//	{"temperature": 1.2}
//	{"isotonic": {"pneumothorax": [[0.1, 0.05], [0.5, 0.42], [0.9, 0.93]]}}
//
// Isotonic curves apply to their finding; the temperature applies to every
// finding without a curve.
package calibration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// Artifact is the on-disk calibration document.
type Artifact struct {
	Temperature *float64                `json:"temperature,omitempty"`
	Isotonic    map[string][][2]float64 `json:"isotonic,omitempty"`
}

// Summary describes a loaded set for logs.
type Summary struct {
	Temperature float64  // 0 when absent
	Curves      []string // finding names with isotonic curves, sorted
}

// LoadFile reads and parses the artifact at path.
func LoadFile(path string) (triage.CalibrationSet, Summary, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied artifact path
	if err != nil {
		return triage.CalibrationSet{}, Summary{}, fmt.Errorf("open calibration: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load parses an artifact from r.
func Load(r io.Reader) (triage.CalibrationSet, Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return triage.CalibrationSet{}, Summary{}, fmt.Errorf("read calibration: %w", err)
	}
	var a Artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return triage.CalibrationSet{}, Summary{}, fmt.Errorf("decode calibration: %w", err)
	}
	return a.Build()
}

// Build validates the artifact and converts it.
func (a *Artifact) Build() (triage.CalibrationSet, Summary, error) {
	var (
		set  triage.CalibrationSet
		sum  Summary
		errs []error
	)

	if a.Temperature == nil && len(a.Isotonic) == 0 {
		return set, sum, errors.New("calibration artifact has neither temperature nor isotonic curves")
	}

	if a.Temperature != nil {
		t := *a.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			errs = append(errs, fmt.Errorf("temperature %v must be a positive number", t))
		} else {
			set.Default = triage.Temperature{T: t}
			sum.Temperature = t
		}
	}

	if len(a.Isotonic) > 0 {
		set.ByFinding = make(map[string]triage.CalibrationFunc, len(a.Isotonic))
	}
	for label, pairs := range a.Isotonic {
		name := triage.NormalizeFindingName(label)
		if len(pairs) == 0 {
			errs = append(errs, fmt.Errorf("isotonic curve for %q is empty", label))
			continue
		}
		if _, dup := set.ByFinding[name]; dup {
			errs = append(errs, fmt.Errorf("isotonic curve for %q given twice", name))
			continue
		}
		points := make([]triage.IsotonicPoint, 0, len(pairs))
		for _, p := range pairs {
			points = append(points, triage.IsotonicPoint{Raw: p[0], Calibrated: p[1]})
		}
		curve := triage.NewIsotonic(points)
		if len(curve.Points()) == 0 {
			errs = append(errs, fmt.Errorf("isotonic curve for %q has no finite points", label))
			continue
		}
		set.ByFinding[name] = curve
		sum.Curves = append(sum.Curves, name)
	}
	sort.Strings(sum.Curves)

	if err := errors.Join(errs...); err != nil {
		return triage.CalibrationSet{}, Summary{}, err
	}
	return set, sum, nil
}
