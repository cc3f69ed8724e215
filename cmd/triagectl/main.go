// triagectl runs the triage engine offline and inspects the pieces around it:
// settings files, calibration artifacts and the inference service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const envPrefix = "CXRTRIAGE_"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "triagectl",
		Short: "Chest X-ray triage decision engine tooling",
		Long: `triagectl evaluates raw classifier/detector output with the same engine
the server uses, without a database or HTTP API.

Provider API keys are read from CXRTRIAGE_CLAUDE_API_KEY,
CXRTRIAGE_GEMINI_API_KEY and CXRTRIAGE_AZURE_OPENAI_API_KEY.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newEvaluateCmd(),
		newAnalyzeCmd(),
		newSettingsCmd(),
		newInferenceCmd(),
		newVersionCmd(),
	)
	return root
}
