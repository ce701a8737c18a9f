package cli

import (
	"errors"
	"fmt"
	"os"

	"quizflow-service/internal/config"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/engine"
	"quizflow-service/internal/safety"
	"github.com/spf13/cobra"
)

// NewValidateCmd checks a quiz document without publishing it.
func NewValidateCmd(configPath *string) *cobra.Command {
	var tier string
	var allowlist []string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a quiz document and print every problem and warning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDocument(args[0])
			if err != nil {
				return err
			}
			cfg, _ := config.Load(*configPath)
			creator := creatorFor(cfg, def.Metadata.CreatorID)
			if cmd.Flags().Changed("tier") {
				creator.Tier = tier
			}
			if len(allowlist) > 0 {
				creator.Allowlist = allowlist
			}
			prog, err := compileFor(cfg, def, creator)
			out := cmd.OutOrStdout()
			var defErr *domain.DefinitionError
			if errors.As(err, &defErr) {
				for _, p := range defErr.Problems {
					fmt.Fprintf(out, "error: %s\n", p)
				}
				return fmt.Errorf("%s: %d problem(s)", args[0], len(defErr.Problems))
			}
			if err != nil {
				return err
			}
			for _, w := range prog.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "%s: ok (%d questions, tier %s)\n", def.ID, len(def.Questions), creator.Tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "trust tier to validate against (overrides the creator's)")
	cmd.Flags().StringSliceVar(&allowlist, "allowlist", nil, "creator allowlist hosts")
	return cmd
}

func readDocument(path string) (*domain.QuizDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return domain.ParseDocument(data)
}

// creatorFor looks the author up in configuration; unknown authors are basic.
func creatorFor(cfg config.Config, creatorID string) domain.Creator {
	for _, c := range cfg.Creators {
		if c.ID == creatorID {
			return c
		}
	}
	return domain.Creator{ID: creatorID, Tier: string(safety.TierBasic)}
}

func compileFor(cfg config.Config, def *domain.QuizDefinition, creator domain.Creator) (*engine.Program, error) {
	return engine.Compile(def, engine.Options{Creator: creator, Validator: newValidator(cfg)})
}

func newValidator(cfg config.Config) *safety.Validator {
	return safety.NewValidator(safety.Policy{
		Allowlist:  cfg.Safety.Allowlist,
		Ports:      cfg.Safety.Ports,
		DNSTimeout: config.TTLDuration(cfg.Safety.DNSTimeout, 0),
	}, nil)
}
