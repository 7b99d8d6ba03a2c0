package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var envFlag string
	ctx := newCommandContext(&envFlag)

	rootCmd := &cobra.Command{
		Use:           "callrouter",
		Short:         "Contact center call router",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFlag, "env-file", "", "Additional .env file to load before the environment")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSchedulerCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))

	return rootCmd
}
