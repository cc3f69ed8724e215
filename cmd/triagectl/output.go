package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// resolveFormat turns "auto" into text on a terminal and json otherwise.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case "text", "json":
		return format, nil
	case "auto", "":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "text", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unknown format %q (auto, text, json)", format)
	}
}

func writeAnalysis(w io.Writer, format string, a *triage.Analysis) error {
	format, err := resolveFormat(format, w)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(w, a)
	}
	printAnalysis(w, a)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func levelColor(l triage.Level) *color.Color {
	switch l {
	case triage.LevelUrgent:
		return color.New(color.FgRed, color.Bold)
	case triage.LevelRoutine:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgGreen, color.Bold)
	}
}

func statusColor(s triage.Status) *color.Color {
	switch s {
	case triage.StatusPositive:
		return color.New(color.FgRed)
	case triage.StatusPossible:
		return color.New(color.FgYellow)
	case triage.StatusUncertain:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printAnalysis(w io.Writer, a *triage.Analysis) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	_, _ = levelColor(a.TriageLevel).Fprintln(w, a.TriageLevel)
	for _, r := range a.TriageReasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	fmt.Fprintln(w)

	_, _ = bold.Fprintln(w, "FINDINGS")
	for i := range a.Findings {
		f := &a.Findings[i]
		prob := fmt.Sprintf("%.2f", f.Probability())
		if f.CalibratedProbability != nil {
			prob += fmt.Sprintf(" (raw %.2f)", f.RawProbability)
		}
		fmt.Fprintf(w, "  %-28s %-16s ", triage.DisplayName(f.Name), prob)
		_, _ = statusColor(f.Status).Fprint(w, f.Status)
		if !f.Enabled {
			_, _ = dim.Fprint(w, "  disabled")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	if len(a.BoundingBoxes) > 0 {
		_, _ = bold.Fprintln(w, "BOXES")
		for _, b := range a.BoundingBoxes {
			fmt.Fprintf(w, "  %-28s %.2f  [%.3f, %.3f, %.3f, %.3f]\n",
				triage.DisplayName(b.FindingName), b.Confidence, b.XMin, b.YMin, b.XMax, b.YMax)
		}
		fmt.Fprintln(w)
	}

	_, _ = bold.Fprint(w, "REPORT")
	if a.Report.LLMRewritten {
		_, _ = dim.Fprint(w, "  rewritten")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Findings: %s\n", a.Report.FindingsText)
	fmt.Fprintf(w, "Impression: %s\n", a.Report.ImpressionText)
	fmt.Fprintln(w)
	_, _ = dim.Fprintln(w, strings.TrimSpace(a.Report.Disclaimer))
}
