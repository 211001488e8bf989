package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deep-research/internal/fetcher"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit collected items for a session and run the analysis",
	Long: "Loads items from a local file, an http(s) URL or an ftp:// URL (json, jsonl, csv or xlsx), " +
		"submits them as the session's collection results and prints the ranked report.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sessionID, _ := cmd.Flags().GetString("session")
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")
		if sessionID == "" || file == "" {
			return eris.New("ingest: --session and --file are required")
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		return ingestAndPrint(ctx, env, sessionID, file, fetcher.Format(format), os.Stdout)
	},
}

func init() {
	ingestCmd.Flags().String("session", "", "session id")
	ingestCmd.Flags().String("file", "", "items file path or URL")
	ingestCmd.Flags().String("format", "", "items format (json, jsonl, csv, xlsx; default from extension)")
	rootCmd.AddCommand(ingestCmd)
}
