package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unosend/unosend/internal/web/config"
	"github.com/unosend/unosend/internal/webhook"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Webhook delivery queue commands",
	Long: `Inspect the webhook delivery queue. The queue file is locked while the
server runs, so stop the server first.`,
}

var webhookStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runWebhookStats,
}

var webhookDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List deliveries that exhausted their retries",
	RunE:  runWebhookDead,
}

var webhookReviveCmd = &cobra.Command{
	Use:   "revive <delivery_id>",
	Short: "Queue a dead delivery again with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhookRevive,
}

var webhookDeadLimit int

func init() {
	webhookDeadCmd.Flags().IntVarP(&webhookDeadLimit, "limit", "n", 50, "Maximum number of deliveries to show")

	webhookCmd.AddCommand(webhookStatsCmd)
	webhookCmd.AddCommand(webhookDeadCmd)
	webhookCmd.AddCommand(webhookReviveCmd)
	rootCmd.AddCommand(webhookCmd)
}

func openQueue() (*webhook.BoltStorage, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return webhook.NewBoltStorage(cfg.Webhooks.QueuePath)
}

func runWebhookStats(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	stats, err := q.QueueStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pending: %d\nDead:    %d\n", stats.Pending, stats.Dead)
	return nil
}

func runWebhookDead(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	dead, err := q.ListDead(cmd.Context(), webhookDeadLimit)
	if err != nil {
		return fmt.Errorf("failed to list dead deliveries: %w", err)
	}
	if len(dead) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead deliveries")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tURL\tATTEMPTS\tLAST STATUS\tLAST ERROR\tUPDATED")
	for _, d := range dead {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			d.ID, d.EventType, d.URL, d.Attempts, d.LastStatusCode, truncate(d.LastError, 60), d.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runWebhookRevive(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	ok, err := q.Revive(cmd.Context(), args[0], time.Now())
	if err != nil {
		return fmt.Errorf("failed to revive delivery: %w", err)
	}
	if !ok {
		return fmt.Errorf("delivery %s is not dead", args[0])
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Delivery %s queued\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
