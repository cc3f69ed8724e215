package triage

import (
	"fmt"
	"sort"
	"strings"
)

// EmptyFindingsText is the findings section when no enabled finding is above NEG.
const EmptyFindingsText = "No significant abnormalities identified."

// NormalImpression is the impression for a NORMAL study.
const NormalImpression = "No acute cardiopulmonary abnormality identified."

var findingSentences = map[string]map[Status]string{
	Pneumothorax: {
		StatusPositive:  "There is evidence of pneumothorax.",
		StatusPossible:  "Cannot exclude small pneumothorax. Recommend clinical correlation and consider follow-up imaging if clinically indicated.",
		StatusUncertain: "Equivocal findings in the pleural space. Cannot exclude pneumothorax. Radiologist review recommended.",
	},
	PleuralEffusion: {
		StatusPositive:  "Pleural effusion is present.",
		StatusPossible:  "Possible small pleural effusion. Clinical correlation recommended.",
		StatusUncertain: "Equivocal findings at the costophrenic angle. Cannot exclude small effusion.",
	},
	Consolidation: {
		StatusPositive:  "Pulmonary consolidation is present, which may represent pneumonia or other airspace disease.",
		StatusPossible:  "Possible area of consolidation. Recommend clinical correlation.",
		StatusUncertain: "Equivocal opacity that may represent consolidation. Further evaluation may be warranted.",
	},
	Cardiomegaly: {
		StatusPositive:  "The cardiac silhouette is enlarged, consistent with cardiomegaly.",
		StatusPossible:  "The cardiac silhouette is at the upper limits of normal. Possible mild cardiomegaly.",
		StatusUncertain: "Cardiac silhouette size is difficult to assess. Consider dedicated cardiac imaging if clinically indicated.",
	},
	Edema: {
		StatusPositive:  "Findings consistent with pulmonary edema.",
		StatusPossible:  "Possible mild pulmonary edema. Recommend clinical correlation.",
		StatusUncertain: "Equivocal interstitial markings. Cannot exclude early pulmonary edema.",
	},
	Nodule: {
		StatusPositive:  "Pulmonary nodule identified. Further evaluation with CT recommended.",
		StatusPossible:  "Questionable nodular opacity. CT may be considered for further evaluation if clinically indicated.",
		StatusUncertain: "Equivocal finding that may represent a nodule. Clinical correlation and possible follow-up recommended.",
	},
	Mass: {
		StatusPositive:  "Pulmonary mass identified. Urgent CT and clinical correlation recommended.",
		StatusPossible:  "Possible pulmonary mass. Further imaging recommended.",
		StatusUncertain: "Equivocal opacity that may represent a mass. Further evaluation recommended.",
	},
}

func findingSentence(f *FindingResult) string {
	if s, ok := findingSentences[f.Name][f.Status]; ok {
		return s
	}
	term := strings.ReplaceAll(f.Name, "_", " ")
	switch f.Status {
	case StatusPositive:
		return fmt.Sprintf("Findings suggestive of %s.", term)
	case StatusPossible:
		return fmt.Sprintf("Possible %s. Clinical correlation recommended.", term)
	default:
		return fmt.Sprintf("Cannot exclude %s. Radiologist review recommended.", term)
	}
}

func severityRank(s Status) int {
	switch s {
	case StatusPositive:
		return 0
	case StatusPossible:
		return 1
	case StatusUncertain:
		return 2
	}
	return 3
}

// reportable returns the enabled non-NEG findings, most severe first.
func reportable(findings []FindingResult) []FindingResult {
	out := make([]FindingResult, 0, len(findings))
	for _, f := range findings {
		if f.Enabled && f.Status != StatusNeg {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Status), severityRank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		pi, pj := out[i].Probability(), out[j].Probability()
		if pi != pj {
			return pi > pj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// TemplateReport builds the deterministic findings and impression text. It
// is the fallback for every rewrite failure, so it must stay a pure function
// of its inputs.
func TemplateReport(findings []FindingResult, boxes []DetectionBox, tr TriageResult) (findingsText, impressionText string) {
	rows := reportable(findings)

	clauses := make([]string, 0, len(rows)+1)
	for i := range rows {
		clauses = append(clauses, fmt.Sprintf("%s (%s): %s",
			DisplayName(rows[i].Name), strings.ToLower(string(rows[i].Status)), findingSentence(&rows[i])))
	}
	if loc := localizationClause(findings, boxes); loc != "" {
		clauses = append(clauses, loc)
	}
	if len(clauses) == 0 {
		findingsText = EmptyFindingsText
	} else {
		findingsText = strings.Join(clauses, " ")
	}

	return findingsText, impression(rows, boxes, findings, tr.Level)
}

func impression(rows []FindingResult, boxes []DetectionBox, findings []FindingResult, level Level) string {
	var positive, possible, uncertain []string
	for _, f := range rows {
		term := strings.ReplaceAll(f.Name, "_", " ")
		switch f.Status {
		case StatusPositive:
			positive = append(positive, term)
		case StatusPossible:
			possible = append(possible, term)
		case StatusUncertain:
			uncertain = append(uncertain, term)
		}
	}

	switch level {
	case LevelUrgent:
		return fmt.Sprintf("URGENT: %s. Immediate clinical attention recommended.", strings.Join(positive, ", "))
	case LevelRoutine:
		switch {
		case len(possible) > 0:
			return fmt.Sprintf("ROUTINE: Abnormal chest radiograph with possible %s. Clinical correlation recommended.",
				strings.Join(possible, ", "))
		case len(uncertain) > 0:
			return fmt.Sprintf("ROUTINE: Limited examination with equivocal findings. Radiologist review recommended. Cannot exclude: %s.",
				strings.Join(uncertain, ", "))
		default:
			regions := detectedTerms(findings, boxes)
			return fmt.Sprintf("ROUTINE: Abnormal chest radiograph with detected %s region. Clinical correlation recommended.",
				strings.Join(regions, ", "))
		}
	default:
		return NormalImpression
	}
}

// localizationClause names the regions that survived post-processing for enabled findings.
func localizationClause(findings []FindingResult, boxes []DetectionBox) string {
	disabled := disabledSet(findings)
	parts := make([]string, 0, len(boxes))
	for _, b := range boxes {
		name := NormalizeFindingName(b.FindingName)
		if disabled[name] {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (confidence %.2f)", strings.ReplaceAll(name, "_", " "), b.Confidence))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("Localized regions: %s.", strings.Join(parts, "; "))
}

func detectedTerms(findings []FindingResult, boxes []DetectionBox) []string {
	disabled := disabledSet(findings)
	seen := make(map[string]bool)
	var out []string
	for _, b := range boxes {
		name := NormalizeFindingName(b.FindingName)
		if disabled[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, strings.ReplaceAll(name, "_", " "))
	}
	return out
}

func disabledSet(findings []FindingResult) map[string]bool {
	out := make(map[string]bool)
	for _, f := range findings {
		if !f.Enabled {
			out[f.Name] = true
		}
	}
	return out
}
