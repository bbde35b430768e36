package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"bidfetch/internal/components/chrono"
	"bidfetch/internal/components/telemetry"
	"bidfetch/internal/history"
	"bidfetch/internal/notify"
	"bidfetch/internal/portal"
	"bidfetch/internal/runner"

	"github.com/spf13/cobra"
)

const report_run = "bidfetch.run"

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--root <dir>]",
	Short: "Downloads the documents of new contracts and mails a summary.",
	Run: func(cmd *cobra.Command, args []string) {
		e := bootstrap(cmd.Context())
		err := runOnce(cmd.Context(), e)
		if err != nil {
			e.fatal("run failed", err)
		}
		e.close()
	},
}

func newMailer(e env) notify.Mailer {
	return notify.NewMailer(notify.MailOptions{
		Enabled: e.cfg.Mail.Enabled,
		Smtp: notify.SmtpConfig{
			Server:       e.cfg.Mail.Server,
			Port:         e.cfg.Mail.Port,
			EmailAddress: e.cfg.Mail.User,
			Password:     e.cfg.Mail.Pass,
		},
		To: e.cfg.Mail.To,
	}, e.tel)
}

// runOnce performs one complete run with the given environment.
func runOnce(ctx context.Context, e env) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	telemetry.InstrumentPerfStats(ctx, e.tel, 15*time.Second)

	clock := chrono.NewStandardTime()
	mailer := newMailer(e)

	store, err := history.Open(e.cfg.HistoryFile, e.tel)
	if err != nil {
		// nothing can be reconciled without history, the operator still hears about it
		report := notify.Report{Date: clock.Now(), Fatal: err}
		mailErr := mailer.Send(ctx, report.Subject(), report.Text())
		if mailErr != nil {
			e.tel.ReportWarning(report_run, mailErr)
		}
		return fmt.Errorf("open history: %w", err)
	}

	httpDump := ""
	if e.cfg.LogLevel == "debug" && e.cfg.LogDir != "" {
		httpDump = filepath.Join(e.cfg.LogDir, "debug", "http")
	}
	session := portal.NewChrome(portal.ChromeOptions{
		TopPage:           e.cfg.TopPage,
		ProjectTitle:      e.cfg.ProjectTitle,
		PageSize:          e.cfg.PageSize,
		ExecPath:          e.cfg.ChromePath,
		Headless:          e.cfg.Headless,
		NavigationTimeout: e.cfg.NavigationWait,
		ClickDelay:        e.cfg.ClickDelay,
		HttpDumpDir:       httpDump,
	}, e.tel)

	r := runner.New(runner.Options{
		DataDir:      e.cfg.DataDir,
		Keywords:     e.cfg.Keywords,
		OnlyNew:      e.cfg.OnlyNew,
		DownloadWait: e.cfg.DownloadWait,
		QuietPeriod:  e.cfg.QuietPeriod,
	}, session, store, mailer, clock, e.tel)

	result, err := r.Run(ctx)
	e.tel.ReportInfo(
		"run finished",
		result.RunID,
		fmt.Sprintf("%d contracts recorded", result.Processed),
		fmt.Sprintf("%d files missing", len(result.Failed)),
	)
	return err
}
