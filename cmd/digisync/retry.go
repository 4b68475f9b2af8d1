package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <table> <id>",
		Short: "Re-arm a failed mutation and drain it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.close()

			ctx := cmd.Context()
			if err := c.engine.RetryFailed(ctx, args[0], args[1]); err != nil {
				return err
			}
			if err := c.engine.DrainOnce(ctx); err != nil {
				return fmt.Errorf("retry drain incomplete: %w", err)
			}
			fmt.Println("retry submitted")
			return nil
		},
	}
}

func newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <table> <id>",
		Short: "Drop a failed mutation; the next pull restores server state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.engine.DiscardFailed(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("mutation discarded")
			return nil
		},
	}
}
