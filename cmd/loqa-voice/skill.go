package main

import (
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	"github.com/spf13/cobra"
)

func newSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Work with skill packages",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a skill manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manifest.Load(file)
			if err != nil {
				return fmt.Errorf("load %s: %w", file, err)
			}
			if err := manifest.Validate(m); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s exposes tool %s\n",
				okStyle.Render("valid"), m.Metadata.Name, m.Metadata.Version, toolStyle.Render(m.Tool.Name))
			return nil
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "skill.yaml", "Path to the skill manifest")
	cmd.AddCommand(validate)
	return cmd
}
