package triage

// Resolve classifies one finding. calibrated may be nil. An uncertain signal
// from upstream overrides the threshold comparison entirely.
func Resolve(name string, raw float64, calibrated *float64, uncertain bool, cfg *EngineConfig) FindingResult {
	ft := cfg.Threshold(name)

	fr := FindingResult{
		Name:            name,
		RawProbability:  clampUnit(raw),
		TriageThreshold: ft.TriageThreshold,
		StrongThreshold: ft.StrongThreshold,
		Enabled:         ft.Enabled,
	}
	if calibrated != nil {
		c := clampUnit(*calibrated)
		fr.CalibratedProbability = &c
	}

	p := fr.Probability()
	switch {
	case uncertain:
		fr.Status = StatusUncertain
	case p >= ft.StrongThreshold:
		fr.Status = StatusPositive
	case p >= ft.TriageThreshold:
		fr.Status = StatusPossible
	default:
		fr.Status = StatusNeg
	}
	return fr
}
