package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func syncCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <user-id>",
		Short: "Reconcile a user's tier from Stripe",
		Long: `Fetch the user's Stripe subscriptions and apply the newest paid one.
The user is reset to free when none is active.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := newRootLogger(cfg.Log, os.Stderr)

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.stripe == nil {
				return fmt.Errorf("stripe.secret_key is required")
			}
			tier, err := a.stripe.SyncUser(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to sync %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tier)
			return nil
		},
	}
}
