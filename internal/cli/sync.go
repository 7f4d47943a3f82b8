package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"maqlexpress/api/internal/syncjob"
)

var (
	syncNoWait   bool
	syncInterval time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull metrics and attributes from GoodData into a PID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		p, err := resolvePID(cmd.Context(), c)
		if err != nil {
			return explain(err)
		}
		job, err := c.StartSync(cmd.Context(), p.ID)
		if err != nil {
			return explain(err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Sync %s queued for %s\n", job.ID, p.Name)
		if syncNoWait {
			return nil
		}

		last := job.Status
		job, err = c.WaitSync(cmd.Context(), job.ID, syncInterval, func(j syncjob.Job) {
			if j.Status != last {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", j.Status)
				last = j.Status
			}
		})
		if err != nil {
			return explain(err)
		}
		if job.Status == syncjob.StatusFailed {
			return fmt.Errorf("sync failed: %s", job.Error)
		}
		r := job.Result
		fmt.Fprintf(out, "Synced %d variables: %d metrics, %d attributes, %d attribute values (%d skipped)\n",
			r.Total(), r.Metrics, r.Attributes, r.AttributeValues, r.Skipped)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&pidFlag, "pid", "", "PID name or id (defaults to the last one used)")
	syncCmd.Flags().BoolVar(&syncNoWait, "no-wait", false, "Return once the job is queued")
	syncCmd.Flags().DurationVar(&syncInterval, "interval", 2*time.Second, "Polling interval")
	rootCmd.AddCommand(syncCmd)
}
