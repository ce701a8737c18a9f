package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"quizflow-service/internal/config"
	"quizflow-service/internal/infra/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewPublishCmd validates a quiz document and upserts it into Postgres.
func NewPublishCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Validate and publish a quiz document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			def, err := readDocument(args[0])
			if err != nil {
				return err
			}
			prog, err := compileFor(cfg, def, creatorFor(cfg, def.Metadata.CreatorID))
			if err != nil {
				return err
			}
			for _, w := range prog.Warnings {
				logger.Warn("quiz warning", zap.String("quiz", def.ID), zap.String("warning", w))
			}
			// Caches key compiled quizzes by version, so every publish gets a new one.
			if def.Metadata.Version == "" {
				doc, err := def.Encode()
				if err != nil {
					return err
				}
				sum := sha256.Sum256(doc)
				def.Metadata.Version = hex.EncodeToString(sum[:8])
			}

			db, err := openBun(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := runMigrationsWithConfig(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			pub := postgres.NewPublisher(db)
			for _, c := range cfg.Creators {
				if err := pub.UpsertCreator(cmd.Context(), c); err != nil {
					return err
				}
			}
			if err := pub.PublishQuiz(cmd.Context(), def); err != nil {
				return err
			}
			logger.Info("quiz published", zap.String("quiz", def.ID), zap.String("version", def.Metadata.Version))
			fmt.Fprintf(cmd.OutOrStdout(), "%s published (version %s)\n", def.ID, def.Metadata.Version)
			return nil
		},
	}
}
