package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hewlab/playground/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single expiry sweep and exit",
	Long: `sweep reclaims expired sessions once and exits. Useful for
operating the reaper out-of-process, e.g. from a CronJob.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}

		reaped := a.SweepOnce(cmd.Context())
		log.WithField("reaped", reaped).Info("Sweep complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
