package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/cxrtriage/internal/inference"
	"github.com/linnemanlabs/cxrtriage/internal/triage"
)

type inferenceFlags struct {
	url     string
	timeout time.Duration
}

func (f *inferenceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "inference-url", defaultInferenceURL(), "Base URL of the inference service")
	cmd.Flags().DurationVar(&f.timeout, "inference-timeout", 2*time.Minute, "Timeout for one inference call")
}

func defaultInferenceURL() string {
	if u := os.Getenv(envPrefix + "INFERENCE_URL"); u != "" {
		return u
	}
	return "http://127.0.0.1:8001"
}

func (f *inferenceFlags) client() (*inference.Client, error) {
	return inference.New(f.url, f.timeout)
}

func newAnalyzeCmd() *cobra.Command {
	var (
		ef  engineFlags
		inf inferenceFlags
	)
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Send an image to the inference service and triage the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			if len(image) == 0 {
				return triage.ErrEmptyImage
			}
			engine, cfg, err := ef.load()
			if err != nil {
				return err
			}
			client, err := inf.client()
			if err != nil {
				return err
			}

			start := time.Now()
			raw, err := client.Infer(cmd.Context(), &triage.InferenceRequest{
				Image:              image,
				Filename:           filepath.Base(args[0]),
				DetectorConfidence: cfg.DetectorConfidence,
				DetectorIOU:        cfg.DetectorIOU,
				DetectorMaxBoxes:   cfg.DetectorMaxBoxes,
			})
			if err != nil {
				return err
			}
			analysis := engine.Analyze(cmd.Context(), raw, cfg)
			fmt.Fprintf(cmd.ErrOrStderr(), "Analyzed %s in %.1fs\n", args[0], time.Since(start).Seconds())
			return writeAnalysis(cmd.OutOrStdout(), ef.format, analysis)
		},
	}
	ef.register(cmd)
	inf.register(cmd)
	return cmd
}

func newInferenceCmd() *cobra.Command {
	var inf inferenceFlags
	cmd := &cobra.Command{
		Use:   "inference",
		Short: "Query the inference service",
	}
	cmd.PersistentFlags().StringVar(&inf.url, "inference-url", defaultInferenceURL(), "Base URL of the inference service")
	cmd.PersistentFlags().DurationVar(&inf.timeout, "inference-timeout", 10*time.Second, "Request timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show the service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := inf.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), h)
		},
	}, &cobra.Command{
		Use:   "models",
		Short: "Show the loaded models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := inf.client()
			if err != nil {
				return err
			}
			m, err := c.Models(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), m)
		},
	})
	return cmd
}
