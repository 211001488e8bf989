package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/deep-research/internal/fetcher"
	"github.com/sells-group/deep-research/internal/model"
	"github.com/sells-group/deep-research/internal/report"
	"github.com/sells-group/deep-research/internal/research"
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run a research session in the terminal",
	Long: "Starts a session for the query and chats with the judge on stdin until the schema is agreed. " +
		"With --file the collected items are analyzed right away and the report is printed.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "ask")
		if err != nil {
			return err
		}
		defer env.Close()

		mode, _ := cmd.Flags().GetString("mode")
		schemaName, _ := cmd.Flags().GetString("schema")
		limit, _ := cmd.Flags().GetInt("limit")
		file, _ := cmd.Flags().GetString("file")

		sess, err := env.Engine.Start(ctx, research.StartRequest{
			Query:      strings.Join(args, " "),
			Mode:       model.Mode(mode),
			Limit:      limit,
			SchemaName: schemaName,
		})
		if err != nil {
			return eris.Wrap(err, "ask: start session")
		}

		sess, err = converse(ctx, env.Engine, sess, os.Stdin, os.Stdout)
		if err != nil {
			return err
		}
		if file == "" {
			fmt.Fprintf(os.Stdout, "Session %s is waiting for items. Submit them with: deep-research ingest --session %s --file <items>\n", sess.ID, sess.ID)
			return nil
		}
		return ingestAndPrint(ctx, env, sess.ID, file, "", os.Stdout)
	},
}

// converse relays buyer lines to the engine until the session leaves the
// interview and schema stages. The returned session is the one that ended
// up confirmed, which differs from sess when a completed session restarted.
func converse(ctx context.Context, e *research.Engine, sess *model.ResearchSession, in io.Reader, out io.Writer) (*model.ResearchSession, error) {
	if sess.Stage == model.StageParsing {
		return sess, nil
	}

	fmt.Fprintf(out, "Session %s started. Tell me more about what you are looking for.\n", sess.ID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, eris.Wrap(err, "ask: read input")
			}
			return nil, eris.New("ask: input closed before the schema was agreed")
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, err := e.HandleMessage(ctx, sess.ID, line)
		if err != nil {
			return nil, eris.Wrap(err, "ask: handle message")
		}
		fmt.Fprintln(out, reply.Text)

		if reply.Session != nil {
			sess = reply.Session
		}
		if sess.Stage == model.StageParsing {
			return sess, nil
		}
	}
}

func ingestAndPrint(ctx context.Context, env *appEnv, sessionID, file string, format fetcher.Format, out io.Writer) error {
	items, err := env.Opener.LoadItems(ctx, file, format)
	if err != nil {
		return eris.Wrap(err, "load items")
	}
	rep, err := env.Engine.SubmitResults(ctx, sessionID, items)
	if err != nil {
		return eris.Wrap(err, "submit results")
	}
	return writeReport(ctx, env.Store, rep, report.FormatMarkdown, out)
}

func init() {
	askCmd.Flags().String("mode", string(model.ModeDeep), "research mode (quick, deep)")
	askCmd.Flags().String("schema", "", "schema name for quick mode (generated when not in the library)")
	askCmd.Flags().Int("limit", 0, "number of listings the collector should gather (default from config)")
	askCmd.Flags().String("file", "", "items file or URL to analyze once the schema is agreed")
	rootCmd.AddCommand(askCmd)
}
