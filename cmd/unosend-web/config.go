package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unosend/unosend/internal/web/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "  Listen address: %s\n", cfg.Server.ListenAddr)
	fmt.Fprintf(out, "  Database path: %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Autosave delay: %s (timezone %s)\n", cfg.Composer.DebounceDelay, cfg.Composer.Timezone)
	fmt.Fprintf(out, "  Delivery: %v, %d mail server(s)\n", cfg.Delivery.Enabled, len(cfg.Delivery.Servers))
	for _, s := range cfg.Delivery.Servers {
		fmt.Fprintf(out, "    - %s (%s) [%s]\n", s.Name, s.BaseURL, s.Env)
	}
	fmt.Fprintf(out, "  Webhooks: %v (queue %s)\n", cfg.Webhooks.Enabled, cfg.Webhooks.QueuePath)
	fmt.Fprintf(out, "  Metrics: %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Path)

	return nil
}
