package commands

import (
	"errors"

	"bidfetch/internal/components/chrono"

	"github.com/spf13/cobra"
)

const report_watch = "bidfetch.watch"

var watchSchedule *string

func init() {
	watchSchedule = watchCmd.Flags().String("schedule", "", "A cron spec (Asia/Tokyo) overriding the schedule in config.json5.")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [--schedule <cron spec>]",
	Short: "Stays running and performs a run on every tick of the schedule.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e := bootstrap(ctx)
		defer e.close()

		schedule := e.cfg.Schedule
		if *watchSchedule != "" {
			schedule = *watchSchedule
		}
		if schedule == "" {
			e.fatal("nothing to watch", errors.New("no schedule in config.json5 and no --schedule given"))
		}

		cronner := chrono.NewStandardCron(e.tel)
		err := cronner.Cron(schedule, func() {
			err := runOnce(ctx, e)
			if err != nil {
				e.tel.ReportBroken(report_watch, err)
			}
		})
		if err != nil {
			cronner.Stop()
			e.fatal("invalid schedule", err)
		}
		e.tel.ReportInfo("watching", schedule)

		<-ctx.Done()
		cronner.Stop()
	},
}
