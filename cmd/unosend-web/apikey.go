package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key management commands",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for an organization",
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys of an organization",
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Deactivate an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

var (
	keyOrg       string
	keyName      string
	keyRole      string
	keyRateLimit int
	keyExpiresIn time.Duration
)

func init() {
	apikeyCreateCmd.Flags().StringVar(&keyOrg, "org", "", "Organization ID")
	apikeyCreateCmd.Flags().StringVar(&keyName, "name", "", "Key name")
	apikeyCreateCmd.Flags().StringVar(&keyRole, "role", string(models.RoleMember), "Role: owner, admin, member or viewer")
	apikeyCreateCmd.Flags().IntVar(&keyRateLimit, "rate-limit", 0, "Requests per minute (0 = unlimited)")
	apikeyCreateCmd.Flags().DurationVar(&keyExpiresIn, "expires-in", 0, "Expire the key after this duration (0 = never)")
	apikeyCreateCmd.MarkFlagRequired("org")
	apikeyCreateCmd.MarkFlagRequired("name")

	apikeyListCmd.Flags().StringVar(&keyOrg, "org", "", "Organization ID")
	apikeyListCmd.MarkFlagRequired("org")

	apikeyCmd.AddCommand(apikeyCreateCmd)
	apikeyCmd.AddCommand(apikeyListCmd)
	apikeyCmd.AddCommand(apikeyRevokeCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	opts := repository.APIKeyCreateOptions{
		OrganizationID:  keyOrg,
		Name:            keyName,
		Role:            models.Role(keyRole),
		RateLimitMinute: keyRateLimit,
	}
	if keyExpiresIn > 0 {
		at := time.Now().Add(keyExpiresIn)
		opts.ExpiresAt = &at
	}

	result, err := repository.NewAPIKeyRepository(database.DB).Create(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API key created: %s (%s, role %s)\n", result.ID, result.Name, result.Role)
	fmt.Fprintf(out, "Key: %s\n", result.Key)
	fmt.Fprintln(out, "Store it now; it cannot be shown again.")
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	keys, err := repository.NewAPIKeyRepository(database.DB).List(cmd.Context(), keyOrg)
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}

	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tROLE\tACTIVE\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", k.ID, k.Name, k.KeyPrefix, k.Role, k.Active, lastUsed)
	}
	return tw.Flush()
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := repository.NewAPIKeyRepository(database.DB).Deactivate(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked\n", args[0])
	return nil
}
