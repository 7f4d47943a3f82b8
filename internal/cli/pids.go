package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pidsCmd = &cobra.Command{
	Use:   "pids",
	Short: "List and manage PIDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pids, err := newClient().ListPIDs(cmd.Context())
		if err != nil {
			return explain(err)
		}
		out := cmd.OutOrStdout()
		if len(pids) == 0 {
			fmt.Fprintln(out, "No PIDs yet. Add one with 'maql pids add <name> <project-id>'")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tNAME\tPROJECT\tID")
		for _, p := range pids {
			mark := ""
			if p.ID == settings.LastPID {
				mark = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, p.Name, p.ProjectID, p.ID)
		}
		return w.Flush()
	},
}

var pidsAddCmd = &cobra.Command{
	Use:   "add <name> <project-id>",
	Short: "Register a GoodData project under a name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().CreatePID(cmd.Context(), args[0], args[1])
		if err != nil {
			return explain(err)
		}
		settings.LastPID = p.ID
		if err := saveSettings(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var pidsRemoveCmd = &cobra.Command{
	Use:     "rm <pid>",
	Aliases: []string{"delete"},
	Short:   "Delete a PID and its variables",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := c.FindPID(cmd.Context(), args[0])
		if err != nil {
			return explain(err)
		}
		if err := c.DeletePID(cmd.Context(), p.ID); err != nil {
			return explain(err)
		}
		if settings.LastPID == p.ID {
			settings.LastPID = ""
			if err := saveSettings(); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", p.Name)
		return nil
	},
}

var pidsUseCmd = &cobra.Command{
	Use:   "use <pid>",
	Short: "Make a PID the default for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().FindPID(cmd.Context(), args[0])
		if err != nil {
			return explain(err)
		}
		settings.LastPID = p.ID
		if err := saveSettings(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", p.Name)
		return nil
	},
}

func init() {
	pidsCmd.AddCommand(pidsAddCmd, pidsRemoveCmd, pidsUseCmd)
	rootCmd.AddCommand(pidsCmd)
}
