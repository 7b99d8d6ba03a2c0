package main

import (
	"github.com/spf13/cobra"
)

func newSchedulerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run only the queue scheduler loop",
		Long: "Run only the queue scheduler loop. Several schedulers may run against " +
			"the same store; assignments stay consistent through conditional updates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := ctx.log()

			d, cleanup, err := ctx.openDeps(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			a := newApp(cfg, d, false, logger)
			logger.Info().
				Dur("interval", cfg.QueueCheckInterval).
				Str("ai_agent", cfg.AIAgentName).
				Msg("starting scheduler")
			return a.loop.Run(cmd.Context())
		},
	}
}
