package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/cxrtriage/internal/settings"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect engine settings files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Print the default settings as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := settings.Defaults()
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&s); err != nil {
				return err
			}
			return enc.Close()
		},
	}, &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a settings file and print the effective settings",
		Long: `Check loads the file the way the server does: unknown keys are rejected,
omitted fields keep their defaults and every value is validated. Secrets are
masked in the output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := settings.Load(args[0])
			if err != nil {
				return err
			}
			r := s.Redacted()
			out, err := yaml.Marshal(&r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	})
	return cmd
}
