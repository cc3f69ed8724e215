package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/linnemanlabs/go-core/log"
	"github.com/spf13/cobra"

	"github.com/linnemanlabs/cxrtriage/internal/calibration"
	"github.com/linnemanlabs/cxrtriage/internal/llm"
	"github.com/linnemanlabs/cxrtriage/internal/settings"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

// engineFlags are shared by every command that runs the engine.
type engineFlags struct {
	settingsFile    string
	calibrationFile string
	rewrite         bool
	format          string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.settingsFile, "settings", "s", "", "Settings YAML file (defaults when empty)")
	cmd.Flags().StringVarP(&f.calibrationFile, "calibration", "c", "", "Calibration artifact JSON (identity when empty)")
	cmd.Flags().BoolVar(&f.rewrite, "rewrite", false, "Ask the active LLM provider to rewrite the report")
	cmd.Flags().StringVarP(&f.format, "format", "f", "auto", "Output format (auto, text, json)")
}

// load builds the engine and its config snapshot from the flags.
func (f *engineFlags) load() (*triage.Engine, triage.EngineConfig, error) {
	s, err := settings.Load(f.settingsFile)
	if err != nil {
		return nil, triage.EngineConfig{}, err
	}
	s.ApplyEnv(envPrefix, os.LookupEnv)
	if !f.rewrite {
		s.LLM.RewriteEnabled = false
	}
	if err := s.Validate(); err != nil {
		return nil, triage.EngineConfig{}, fmt.Errorf("settings: %w", err)
	}

	var cal triage.CalibrationSet
	if f.calibrationFile != "" {
		if cal, _, err = calibration.LoadFile(f.calibrationFile); err != nil {
			return nil, triage.EngineConfig{}, fmt.Errorf("calibration: %w", err)
		}
	}

	engine := triage.NewEngine(cal, llm.NewFactory(0, 1), log.Nop(), triage.EngineHooks{})
	return engine, s.EngineConfig(), nil
}

func newEvaluateCmd() *cobra.Command {
	var f engineFlags
	cmd := &cobra.Command{
		Use:   "evaluate [raw-output.json]",
		Short: "Run the engine on raw classifier/detector output",
		Long: `Evaluate reads raw inference output and prints the triage decision,
per-finding results, retained boxes and the draft report.

The input is JSON shaped like the server's /api/v1/evaluate body:

  {"findings": [{"name": "Pneumothorax", "probability": 0.82}],
   "bounding_boxes": [{"finding_name": "pneumothorax", "confidence": 0.9,
                       "x_min": 0.1, "y_min": 0.1, "x_max": 0.3, "y_max": 0.4}]}

With no argument, or "-", the input is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			raw, err := readRawOutput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			engine, cfg, err := f.load()
			if err != nil {
				return err
			}
			analysis := engine.Analyze(cmd.Context(), raw, cfg)
			return writeAnalysis(cmd.OutOrStdout(), f.format, analysis)
		},
	}
	f.register(cmd)
	return cmd
}

func readRawOutput(stdin io.Reader, path string) (*triage.RawOutput, error) {
	r := stdin
	if path != "-" {
		fh, err := os.Open(path) //nolint:gosec // operator-supplied input path
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = fh.Close() }()
		r = fh
	}

	var raw triage.RawOutput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode raw output: %w", err)
	}
	return &raw, nil
}
