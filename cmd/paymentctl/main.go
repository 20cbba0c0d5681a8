package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmehra2102/marketplace-payments/internal/app"
	"github.com/dmehra2102/marketplace-payments/internal/config"
	"github.com/dmehra2102/marketplace-payments/pkg/database"
	"github.com/dmehra2102/marketplace-payments/pkg/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the marketplace payment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd(), pollCmd(), sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return database.Migrate(cfg.PGURL, logging.New("paymentctl", cfg.LogLevel))
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <reference>",
		Short: "Ask the gateway for a payment's status and reconcile it",
		Long: `Poll the payment's gateway once and apply the answer, exactly as
GET /payments/{reference}/status does. Terminal payments are not sent to the
gateway; a completed payment has its order linkage re-applied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Reconciler.PollStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"reference":     res.Payment.Reference,
					"status":        res.Payment.Status,
					"gatewayStatus": res.GatewayStatus,
					"gatewayNative": res.GatewayNative,
					"attempts":      len(res.Payment.Attempts),
				})
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep: poll expired processing payments and purge abandoned ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reconciler.SweepExpired(ctx)
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logging.New("paymentctl", cfg.LogLevel))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
