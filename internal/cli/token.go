package cli

import (
	"fmt"

	"quizflow-service/internal/auth"
	"quizflow-service/internal/config"
	"github.com/spf13/cobra"
)

// NewTokenCmd issues a start token for a quiz.
func NewTokenCmd(configPath *string) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "token <quiz-id>",
		Short: "Issue a signed start token for a quiz",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.Tokens.Secret, config.TTLDuration(cfg.Tokens.TTL, 0))
			if err != nil {
				return err
			}
			token, err := tokens.Issue(args[0], user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "bind the token to one user id")
	return cmd
}
