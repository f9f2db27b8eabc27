package main

import (
	"github.com/spf13/cobra"

	"github.com/forgeworks/anvil/pkg/config"
)

func newStatsCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-worker statistics from the memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			env, err := buildEnvironment(cfg)
			if err != nil {
				return err
			}
			defer env.Close()

			stats, err := env.store.AllStats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				cmd.Println("No worker statistics recorded yet.")
				return nil
			}

			cmd.Printf("%-24s %10s %10s %12s %8s\n", "WORKER", "INVOKED", "SUCCEEDED", "RATE", "BONUS")
			for _, s := range stats {
				cmd.Printf("%-24s %10d %10d %11.1f%% %+8.2f\n",
					s.Worker, s.Invocations, s.Successes, s.SuccessRate()*100, s.FeedbackBonus)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	return cmd
}
