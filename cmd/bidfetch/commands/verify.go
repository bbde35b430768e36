package commands

import (
	"fmt"

	"bidfetch/internal/history"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [--root <dir>]",
	Short: "Checks that every file recorded in history is still in the data directory.",
	Run: func(cmd *cobra.Command, args []string) {
		e := bootstrap(cmd.Context())
		defer e.close()

		store, err := history.Open(e.cfg.HistoryFile, e.tel)
		if err != nil {
			e.fatal("failed to open history", err)
		}

		failed := history.Verify(store.Records(), e.cfg.DataDir, history.OSFileExists)
		if len(failed) == 0 {
			fmt.Printf("all files of %d contracts are in place\n", store.Len())
			return
		}

		t := newTable()
		t.AppendHeader(table.Row{"Contract", "Name", "Missing file"})
		for _, f := range failed {
			t.AppendRow(table.Row{f.ContractID, f.ContractName, f.FileName})
		}
		t.AppendFooter(table.Row{"", "Total", len(failed)})
		t.Render()
	},
}
