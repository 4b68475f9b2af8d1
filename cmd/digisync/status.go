package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/digicoop/digisync/offsync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued and failed local mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.close()

			ctx := cmd.Context()
			pending, err := c.store.Pending(ctx)
			if err != nil {
				return err
			}
			failed, err := c.store.Failed(ctx)
			if err != nil {
				return err
			}

			if len(pending) == 0 && len(failed) == 0 {
				fmt.Println("queue empty; local mirror is in sync")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tTABLE\tID\tOP\tATTEMPTS\tERROR")
			printEntries(w, "pending", pending)
			printEntries(w, "failed", failed)
			return w.Flush()
		},
	}
}

func printEntries(w *tabwriter.Writer, state string, entries []offsync.QueueEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", state, e.Table, e.EntityID, e.Op, e.Attempts, e.LastError)
	}
}
