package triage

import (
	"fmt"
	"sort"
)

// NormalReason is the single reason attached to a NORMAL result.
const NormalReason = "No findings above triage threshold"

// Aggregate combines resolved findings and post-processed boxes into a triage
// level with ordered reasons. Disabled findings and their boxes are ignored.
func Aggregate(findings []FindingResult, boxes []DetectionBox) TriageResult {
	var positive, routine []FindingResult
	strongByName := make(map[string]float64, len(findings))
	disabled := make(map[string]bool)

	for _, f := range findings {
		if !f.Enabled {
			disabled[f.Name] = true
			continue
		}
		strongByName[f.Name] = f.StrongThreshold
		switch f.Status {
		case StatusPositive:
			positive = append(positive, f)
		case StatusPossible, StatusUncertain:
			routine = append(routine, f)
		}
	}

	var boxReasons []string
	for _, b := range boxes {
		name := NormalizeFindingName(b.FindingName)
		if disabled[name] {
			continue
		}
		strong, ok := strongByName[name]
		if !ok {
			strong = defaultStrongThreshold
		}
		if b.Confidence > strong {
			boxReasons = append(boxReasons, fmt.Sprintf("%s: detection confidence %.2f > strong threshold %.2f",
				DisplayName(name), b.Confidence, strong))
		}
	}

	sortByProbability(positive)
	sortByProbability(routine)

	switch {
	case len(positive) > 0:
		reasons := make([]string, 0, len(positive)+len(routine)+len(boxReasons))
		for i := range positive {
			reasons = append(reasons, findingReason(&positive[i]))
		}
		for i := range routine {
			reasons = append(reasons, findingReason(&routine[i]))
		}
		reasons = append(reasons, boxReasons...)
		return TriageResult{Level: LevelUrgent, Reasons: reasons}
	case len(routine) > 0 || len(boxReasons) > 0:
		reasons := make([]string, 0, len(routine)+len(boxReasons))
		for i := range routine {
			reasons = append(reasons, findingReason(&routine[i]))
		}
		reasons = append(reasons, boxReasons...)
		return TriageResult{Level: LevelRoutine, Reasons: reasons}
	default:
		return TriageResult{Level: LevelNormal, Reasons: []string{NormalReason}}
	}
}

func sortByProbability(fs []FindingResult) {
	sort.SliceStable(fs, func(i, j int) bool {
		pi, pj := fs[i].Probability(), fs[j].Probability()
		if pi != pj {
			return pi > pj
		}
		return fs[i].Name < fs[j].Name
	})
}

func findingReason(f *FindingResult) string {
	kind := "raw"
	if f.CalibratedProbability != nil {
		kind = "calibrated"
	}
	p := f.Probability()
	switch f.Status {
	case StatusPositive:
		return fmt.Sprintf("%s: %s probability %.2f ≥ strong threshold %.2f", DisplayName(f.Name), kind, p, f.StrongThreshold)
	case StatusPossible:
		return fmt.Sprintf("%s: %s probability %.2f ≥ triage threshold %.2f", DisplayName(f.Name), kind, p, f.TriageThreshold)
	default:
		return fmt.Sprintf("%s: uncertain model output (%s probability %.2f)", DisplayName(f.Name), kind, p)
	}
}
