package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unosend/unosend/internal/web/config"
	"github.com/unosend/unosend/internal/web/sendry"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Mail API server commands",
}

var deliveryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of the configured mail API servers",
	RunE:  runDeliveryStatus,
}

var deliveryStatusTimeout time.Duration

func init() {
	deliveryStatusCmd.Flags().DurationVar(&deliveryStatusTimeout, "timeout", 10*time.Second, "Health check timeout")

	deliveryCmd.AddCommand(deliveryStatusCmd)
	rootCmd.AddCommand(deliveryCmd)
}

func runDeliveryStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if len(cfg.Delivery.Servers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No mail API servers configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), deliveryStatusTimeout)
	defer cancel()

	statuses := sendry.NewManager(cfg.Delivery.Servers, cfg.Delivery.Failover).GetAllStatus(ctx)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tONLINE\tVERSION\tQUEUE\tERROR")
	offline := 0
	for _, s := range statuses {
		if !s.Online {
			offline++
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\n", s.Name, s.BaseURL, s.Online, s.Version, s.QueueSize, s.Error)
	}
	w.Flush()

	if offline > 0 {
		return fmt.Errorf("%d of %d mail API servers offline", offline, len(statuses))
	}
	return nil
}
