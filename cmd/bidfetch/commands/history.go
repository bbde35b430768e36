package commands

import (
	"path/filepath"

	"bidfetch/internal/db"
	"bidfetch/internal/history"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var exportDb *string

func init() {
	exportDb = historyExportCmd.Flags().String("db", "history.db", "The sqlite database to export to, relative paths are resolved against --root.")
	historyCmd.AddCommand(historyExportCmd)
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [--root <dir>]",
	Short: "Lists the contracts that were already processed.",
	Run: func(cmd *cobra.Command, args []string) {
		e := bootstrap(cmd.Context())
		defer e.close()

		store, err := history.Open(e.cfg.HistoryFile, e.tel)
		if err != nil {
			e.fatal("failed to open history", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Contract", "Name", "Downloaded", "Not downloaded"})
		for _, r := range store.Records() {
			t.AppendRow(table.Row{r.ContractID, r.ContractName, len(r.Downloaded), len(r.NotDownloaded)})
		}
		t.AppendFooter(table.Row{"", "Total", store.Len(), ""})
		t.Render()
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export [--db <path/to/output.db>]",
	Short: "Writes the history into a sqlite database, replacing what it held before.",
	Run: func(cmd *cobra.Command, args []string) {
		e := bootstrap(cmd.Context())
		defer e.close()

		store, err := history.Open(e.cfg.HistoryFile, e.tel)
		if err != nil {
			e.fatal("failed to open history", err)
		}

		path := *exportDb
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.cfg.Root, path)
		}
		out, err := db.OpenDB(cmd.Context(), path)
		if err != nil {
			e.fatal("failed to open db", err)
		}
		defer out.Close()

		err = db.ExportHistory(cmd.Context(), out, store.Records())
		if err != nil {
			out.Close()
			e.fatal("failed to export history", err)
		}
		e.tel.ReportInfo("history exported", path, store.Len())
	},
}
