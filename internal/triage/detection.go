package triage

import (
	"math"
	"sort"
)

// PostProcess filters and deduplicates raw detector boxes: malformed boxes
// and boxes under the confidence threshold are dropped, the rest are sorted
// by confidence (stable), suppressed per finding with greedy NMS and capped.
// Surviving boxes are returned unchanged.
func PostProcess(boxes []DetectionBox, cfg *EngineConfig) []DetectionBox {
	conf := unitOr(cfg.DetectorConfidence, DefaultDetectorConfidence)
	iou := unitOr(cfg.DetectorIOU, DefaultDetectorIOU)
	maxBoxes := cfg.DetectorMaxBoxes
	if maxBoxes <= 0 {
		maxBoxes = DefaultDetectorMaxBoxes
	}

	candidates := make([]DetectionBox, 0, len(boxes))
	for _, b := range boxes {
		if !wellFormed(b) || b.Confidence < conf {
			continue
		}
		candidates = append(candidates, b)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	accepted := make([]DetectionBox, 0, min(len(candidates), maxBoxes))
	byFinding := make(map[string][]int)
	for _, b := range candidates {
		if len(accepted) == maxBoxes {
			break
		}
		keep := true
		for _, idx := range byFinding[b.FindingName] {
			if IoU(accepted[idx], b) >= iou {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		byFinding[b.FindingName] = append(byFinding[b.FindingName], len(accepted))
		accepted = append(accepted, b)
	}
	return accepted
}

// IoU is the intersection-over-union of two boxes in normalized coordinates.
// Coordinates are clamped to [0,1] for the computation only.
func IoU(a, b DetectionBox) float64 {
	ax0, ay0, ax1, ay1 := clampUnit(a.XMin), clampUnit(a.YMin), clampUnit(a.XMax), clampUnit(a.YMax)
	bx0, by0, bx1, by1 := clampUnit(b.XMin), clampUnit(b.YMin), clampUnit(b.XMax), clampUnit(b.YMax)

	iw := math.Min(ax1, bx1) - math.Max(ax0, bx0)
	ih := math.Min(ay1, by1) - math.Max(ay0, by0)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (ax1-ax0)*(ay1-ay0) + (bx1-bx0)*(by1-by0) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func wellFormed(b DetectionBox) bool {
	for _, v := range []float64{b.Confidence, b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.XMin < b.XMax && b.YMin < b.YMax
}
