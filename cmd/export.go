package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/report"
	"github.com/sells-group/deep-research/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a session report",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		sessionID, _ := cmd.Flags().GetString("session")
		formatName, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		if sessionID == "" {
			return eris.New("export: --session is required")
		}
		format, err := report.ParseFormat(formatName)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			out = f
		} else if format == report.FormatXLSX {
			return eris.New("export: xlsx output needs --out")
		}

		if err := exportSession(ctx, st, sessionID, format, out); err != nil {
			return err
		}
		if outPath != "" {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", outPath)
		}
		return nil
	},
}

func exportSession(ctx context.Context, st store.Store, sessionID string, format report.Format, out io.Writer) error {
	rep, err := st.GetSessionReport(ctx, sessionID)
	if err != nil {
		return eris.Wrap(err, "export")
	}
	return writeReport(ctx, st, rep, format, out)
}

// writeReport renders rep with the session's agreed schema, if any.
func writeReport(ctx context.Context, st store.Store, rep *model.SessionReport, format report.Format, out io.Writer) error {
	var sch *model.ExtractionSchema
	if rep.Session.SchemaID != nil {
		var err error
		if sch, err = st.GetSchema(ctx, *rep.Session.SchemaID); err != nil {
			return eris.Wrap(err, "load schema")
		}
	}
	return report.Write(out, format, rep, sch)
}

func init() {
	exportCmd.Flags().String("session", "", "session id")
	exportCmd.Flags().String("format", "md", "report format (md, html, xlsx)")
	exportCmd.Flags().String("out", "", "output file (default stdout)")
	rootCmd.AddCommand(exportCmd)
}
