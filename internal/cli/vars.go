package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maqlexpress/api/internal/client"
)

var (
	varsType   string
	varsLimit  int
	varsFormat string
	varsOutput string
)

var varsCmd = &cobra.Command{
	Use:   "vars",
	Short: "List the variables of a PID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		vars, err := c.ListVariables(cmd.Context(), p.ID)
		if err != nil {
			return explain(err)
		}
		if varsType != "" {
			filtered := vars[:0]
			for _, v := range vars {
				if strings.EqualFold(v.Type, varsType) {
					filtered = append(filtered, v)
				}
			}
			vars = filtered
		}
		return printVariables(cmd, vars)
	},
}

var varsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search variables by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		res, err := c.SearchVariables(cmd.Context(), p.ID, args[0], varsType, varsLimit)
		if err != nil {
			return explain(err)
		}
		vars := make([]client.Variable, 0, len(res.Results))
		for _, r := range res.Results {
			vars = append(vars, client.Variable{ID: r.ID, PIDID: r.PIDID, Name: r.Name, Type: r.Type, Value: r.Value, ElementID: r.ElementID})
		}
		if err := printVariables(cmd, vars); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d matches (%s)\n", len(vars), res.Total, res.Engine)
		return nil
	},
}

var varsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import variables from a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := c.ImportCSV(cmd.Context(), p.ID, filepath.Base(args[0]), f)
		if err != nil {
			return explain(err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %d of %d rows (%d duplicates)\n", res.Inserted, res.Received, res.Duplicates)
		for _, r := range res.Rejected {
			fmt.Fprintf(out, "  line %d: %s\n", r.Line, r.Reason)
		}
		return nil
	},
}

var varsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the catalog as csv, html or pdf",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		data, name, err := c.Export(cmd.Context(), p.ID, varsFormat)
		if err != nil {
			return explain(err)
		}
		return writeDownload(cmd, data, name)
	},
}

var varsTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Download the CSV import template",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, name, err := newClient().Template(cmd.Context())
		if err != nil {
			return explain(err)
		}
		return writeDownload(cmd, data, name)
	},
}

var varsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every variable of a PID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		n, err := c.DeleteAllVariables(cmd.Context(), p.ID)
		if err != nil {
			return explain(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d variables from %s\n", n, p.Name)
		return nil
	},
}

func printVariables(cmd *cobra.Command, vars []client.Variable) error {
	if len(vars) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No variables")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tVALUE\tELEMENT")
	for _, v := range vars {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Name, v.Type, v.Value, v.ElementID)
	}
	return w.Flush()
}

// writeDownload saves to --output, or to the server-suggested name in the
// working directory. "-" writes to stdout.
func writeDownload(cmd *cobra.Command, data []byte, name string) error {
	path := varsOutput
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if path == "" {
		path = name
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", path, len(data))
	return nil
}

func init() {
	varsCmd.PersistentFlags().StringVar(&pidFlag, "pid", "", "PID name or id (defaults to the last one used)")
	varsCmd.Flags().StringVar(&varsType, "type", "", "Only show Metric, Attribute or Attribute Value")
	varsSearchCmd.Flags().StringVar(&varsType, "type", "", "Restrict to one variable type")
	varsSearchCmd.Flags().IntVar(&varsLimit, "limit", 20, "Maximum results")
	varsExportCmd.Flags().StringVar(&varsFormat, "format", "csv", "csv, html or pdf")
	for _, c := range []*cobra.Command{varsExportCmd, varsTemplateCmd} {
		c.Flags().StringVarP(&varsOutput, "output", "o", "", "Output file, - for stdout")
	}

	varsCmd.AddCommand(varsSearchCmd, varsImportCmd, varsExportCmd, varsTemplateCmd, varsClearCmd)
	rootCmd.AddCommand(varsCmd)
}
