package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/larksings/voiceagent/internal/persona"
)

func newPersonasCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List the personas this worker can speak as",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = os.Getenv("PERSONA_FILE")
			}
			registry, err := persona.Load(os.Getenv("DEFAULT_AGENT"), file)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(registry.Summaries())
			}
			for _, s := range registry.Summaries() {
				marker := " "
				if s.ID == registry.DefaultID() {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-12s %s\n", marker, s.ID, s.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "persona YAML file (defaults to PERSONA_FILE)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
