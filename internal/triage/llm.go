package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Rewriter is the interface for any LLM backend that can rewrite report text.
type Rewriter interface {
	Rewrite(ctx context.Context, req *RewriteRequest) (*RewriteResponse, error)
}

// RewriterFactory builds a Rewriter for the active provider selection.
type RewriterFactory interface {
	Rewriter(p ProviderSettings) (Rewriter, error)
}

// RewriteRequest is the payload sent to a rewrite backend.
type RewriteRequest struct {
	System       string
	Prompt       string
	TemplateText string
	Findings     []FindingResult
	Boxes        []DetectionBox
	Level        Level
	Params       ModelParams
}

// RewriteResponse is what a backend returned.
type RewriteResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ErrProviderDisabled is returned when the selected provider is missing or switched off.
var ErrProviderDisabled = errors.New("llm provider disabled")

// RewriteSystemPrompt constrains the rewrite to editing only.
const RewriteSystemPrompt = `You are a medical report editor. Rewrite the following radiology report to improve readability and flow while maintaining all clinical findings exactly as stated. Do NOT add, remove, or change any medical findings. Only improve grammar, sentence structure, and professional tone.

Keep the two section headers exactly as given: FINDINGS: and IMPRESSION:.`

// templateDocument renders the two-section text sent to the rewriter.
func templateDocument(findingsText, impressionText string) string {
	return fmt.Sprintf("FINDINGS:\n%s\n\nIMPRESSION:\n%s", findingsText, impressionText)
}

func buildRewritePrompt(doc string) string {
	return fmt.Sprintf("Original report:\n%s\n\nRewritten report:", doc)
}

// parseRewrite splits a rewritten document into its two sections.
func parseRewrite(text string) (findingsText, impressionText string, err error) {
	fi := strings.Index(text, "FINDINGS:")
	ii := strings.Index(text, "IMPRESSION:")
	if fi < 0 || ii < 0 || ii < fi {
		return "", "", errors.New("rewrite missing FINDINGS:/IMPRESSION: sections")
	}
	findingsText = strings.TrimSpace(text[fi+len("FINDINGS:") : ii])
	impressionText = strings.TrimSpace(text[ii+len("IMPRESSION:"):])
	if findingsText == "" || impressionText == "" {
		return "", "", errors.New("rewrite has an empty section")
	}
	return findingsText, impressionText, nil
}

// guardedTerms are clinical terms a rewrite may not introduce.
var guardedTerms = []string{
	"pneumothorax", "pleural effusion", "effusion", "consolidation",
	"atelectasis", "cardiomegaly", "edema", "pulmonary edema",
	"nodule", "mass", "tumor", "cancer", "malignancy",
	"pneumonia", "infiltrate", "opacity", "lesion",
	"fracture", "emphysema", "fibrosis", "calcification",
	"lymphadenopathy", "mediastinal widening", "aortic aneurysm",
	"hernia", "pleural thickening",
}

// negationCues start a negated span that runs to the end of the clause.
var negationCues = map[string]bool{"no": true, "without": true, "absent": true, "negative": true}

// affirmed drops negated spans ("no pleural effusion", "without consolidation")
// and returns the remaining words, clauses separated by a marker so terms
// never match across clause boundaries.
func affirmed(text string) string {
	clauses := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return r == '.' || r == ';' || r == ',' || r == '\n' || r == ':'
	})
	var b strings.Builder
	for _, clause := range clauses {
		for _, w := range strings.Fields(clause) {
			w = strings.Trim(w, "()[]\"'!?")
			if negationCues[w] {
				break
			}
			b.WriteString(w)
			b.WriteByte(' ')
		}
		b.WriteString("| ")
	}
	return b.String()
}

// newFinding returns the first guarded term affirmed in rewritten but absent
// from original. Negated mentions are allowed.
func newFinding(original, rewritten string) (string, bool) {
	orig := strings.ToLower(original)
	out := affirmed(rewritten)
	for _, term := range guardedTerms {
		if strings.Contains(out, term) && !strings.Contains(orig, term) {
			return term, true
		}
	}
	return "", false
}
