package main

import (
	"fmt"

	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v.AppName = "cxrtriage"
			v.Component = "triagectl"
			vi := v.Get()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (%s) %s\n", vi.AppName, vi.Component, vi.Version)
			fmt.Fprintf(w, "  commit: %s (%s)\n", vi.Commit, vi.CommitDate)
			fmt.Fprintf(w, "  built:  %s\n", vi.BuildDate)
			fmt.Fprintf(w, "  go:     %s\n", vi.GoVersion)
		},
	}
}
