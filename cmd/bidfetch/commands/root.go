package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootDir *string

func init() {
	rootDir = rootCmd.PersistentFlags().String("root", ".", "The directory holding config.json5, the history file, data/ and logs/.")
}

var rootCmd = &cobra.Command{
	Use:   "bidfetch",
	Short: "bidfetch downloads the documents of new contracts from the bid information portal.",
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
