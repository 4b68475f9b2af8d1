package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the server mirror and drain queued local mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.close()

			ctx := cmd.Context()

			if watch {
				go c.monitor.Run(ctx)
				if err := c.repos.PullAll(ctx); err != nil {
					c.logger.Warn("initial pull incomplete", "error", err)
				}
				c.logger.Info("sync loop started", "store", c.store.Tables())
				c.engine.Run(ctx, c.monitor) // blocks until signal
				return nil
			}

			if err := c.repos.PullAll(ctx); err != nil {
				c.logger.Warn("pull incomplete; local mirror left as-is", "error", err)
			}
			if err := c.engine.DrainOnce(ctx); err != nil {
				return fmt.Errorf("drain incomplete: %w", err)
			}

			pending, err := c.store.Pending(ctx)
			if err != nil {
				return err
			}
			failed, err := c.store.Failed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sync complete: %d pending, %d failed\n", len(pending), len(failed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running: periodic drains plus connectivity-triggered syncs")
	return cmd
}
