package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maqlexpress/api/internal/client"
	"maqlexpress/api/internal/tui"
)

// runEditor is swapped in tests.
var runEditor = tui.Run

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the expression editor for a PID",
	Long: `Open the expression editor. Typing a word shows matching variables;
enter inserts the highlighted one, alt+enter marks several for a batch
insert. ctrl+y copies the expression, ctrl+s saves the draft and
ctrl+p publishes it as a GoodData metric.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := newClient()
		p, err := resolvePID(ctx, c)
		if err != nil {
			return explain(err)
		}
		vars, err := c.ListVariables(ctx, p.ID)
		if err != nil {
			return explain(err)
		}
		cfg := tui.Config{
			PIDID:     p.ID,
			PIDName:   p.Name,
			ProjectID: p.ProjectID,
			Variables: client.EditorVariables(vars),
		}
		draft, ok, err := c.LoadDraft(ctx, p.ID)
		if err != nil {
			return explain(err)
		}
		if ok {
			cfg.Draft = &draft
		}

		expr, err := runEditor(ctx, c, cfg)
		if err != nil {
			return err
		}
		if expr != "" {
			fmt.Fprintln(cmd.OutOrStdout(), expr)
		}
		return nil
	},
}

var draftsLimit int

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Show the saved versions of a PID's draft",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		versions, err := c.DraftHistory(cmd.Context(), p.ID, draftsLimit)
		if err != nil {
			return explain(err)
		}
		out := cmd.OutOrStdout()
		if len(versions) == 0 {
			fmt.Fprintln(out, "No saved drafts")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, v := range versions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Hash, v.CreatedAt.Local().Format("2006-01-02 15:04"), v.Author, v.Message)
		}
		return w.Flush()
	},
}

func init() {
	editCmd.Flags().StringVar(&pidFlag, "pid", "", "PID name or id (defaults to the last one used)")
	draftsCmd.Flags().StringVar(&pidFlag, "pid", "", "PID name or id (defaults to the last one used)")
	draftsCmd.Flags().IntVar(&draftsLimit, "limit", 10, "Number of versions")
	rootCmd.AddCommand(editCmd, draftsCmd)
}
