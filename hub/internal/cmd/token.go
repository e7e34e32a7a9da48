package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattmo0re/viveye/hub/internal/auth"
	"github.com/mattmo0re/viveye/hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := auth.NewService(cfg.Auth).IssueToken(subject, role)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "token subject (operator name)")
	cmd.Flags().String("role", auth.RoleAdmin, "token role (admin or viewer)")
	return cmd
}
