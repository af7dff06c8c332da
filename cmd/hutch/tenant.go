package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hutchhq/hutch/pkg/client"
	"github.com/hutchhq/hutch/pkg/types"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new tenant bot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		token, _ := cmd.Flags().GetString("token")
		owner, _ := cmd.Flags().GetInt64("owner")
		name, _ := cmd.Flags().GetString("name")
		plan, _ := cmd.Flags().GetString("plan")
		async, _ := cmd.Flags().GetBool("async")

		c := client.New(apiAddr)
		req := types.ProvisionRequest{
			BotToken:       token,
			OwnerContactID: owner,
			DisplayName:    name,
			Plan:           types.Plan(plan),
		}

		if async {
			jobID, err := c.SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("Job submitted: %s\n", jobID)
			fmt.Printf("Poll with: hutch job status %s\n", jobID)
			return nil
		}

		// Synchronous provisioning waits out container start, so give it
		// more room than the default request timeout.
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Minute)
		defer cancel()
		res, err := c.CreateTenant(ctx, req)
		if err != nil {
			return err
		}
		printResult(res)
		if !res.Success {
			os.Exit(1)
		}
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		state, _ := cmd.Flags().GetString("state")

		tenants, err := client.New(apiAddr).ListTenants(cmd.Context(), state)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tCONTAINER\tEXPIRES")
		for _, t := range tenants {
			running := "stopped"
			if t.ContainerRunning {
				running = "running"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.DisplayName, t.State, running, t.ExpiresAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := client.New(apiAddr).GetTenant(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:          %s\n", t.ID)
		fmt.Printf("Name:        %s\n", t.DisplayName)
		fmt.Printf("State:       %s\n", t.State)
		fmt.Printf("Plan:        %s\n", t.Plan)
		fmt.Printf("Container:   %s\n", t.ContainerID)
		fmt.Printf("Schema:      %s\n", t.SchemaName)
		fmt.Printf("Partition:   %d\n", t.CachePartition)
		fmt.Printf("Expires:     %s\n", t.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Tear a tenant down: container, schema and registry row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.New(apiAddr).DeleteTenant(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Tenant %s deleted\n", args[0])
		return nil
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend ID",
	Short: "Suspend a tenant and stop its container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		t, err := client.New(apiAddr).SuspendTenant(cmd.Context(), args[0], reason)
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s is now %s\n", t.ID, t.State)
		return nil
	},
}

var tenantReactivateCmd = &cobra.Command{
	Use:   "reactivate ID",
	Short: "Reactivate a suspended tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		t, err := client.New(apiAddr).ReactivateTenant(cmd.Context(), args[0], days)
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s is now %s, expires %s\n", t.ID, t.State, t.ExpiresAt.Format("2006-01-02"))
		return nil
	},
}

var tenantRestartCmd = &cobra.Command{
	Use:   "restart ID",
	Short: "Restart a tenant's bot container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := client.New(apiAddr).RestartTenant(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s container restarted\n", t.ID)
		return nil
	},
}

var tenantExtendCmd = &cobra.Command{
	Use:   "extend ID",
	Short: "Extend a tenant's subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		t, err := client.New(apiAddr).ExtendTenant(cmd.Context(), args[0], days)
		if err != nil {
			return err
		}
		fmt.Printf("Tenant %s now expires %s\n", t.ID, t.ExpiresAt.Format("2006-01-02"))
		return nil
	},
}

var tenantPayCmd = &cobra.Command{
	Use:   "pay ID",
	Short: "Record a payment and extend the subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, _ := cmd.Flags().GetInt64("amount")
		currency, _ := cmd.Flags().GetString("currency")
		method, _ := cmd.Flags().GetString("method")
		ref, _ := cmd.Flags().GetString("ref")
		plan, _ := cmd.Flags().GetString("plan")

		t, err := client.New(apiAddr).RecordPayment(cmd.Context(), args[0], client.PaymentParams{
			AmountMinor: amount,
			Currency:    currency,
			Method:      method,
			ExternalRef: ref,
			Plan:        types.Plan(plan),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Payment recorded, tenant %s now expires %s\n", t.ID, t.ExpiresAt.Format("2006-01-02"))
		return nil
	},
}

var tenantLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Show a tenant's container log tail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		lines, err := client.New(apiAddr).TenantLogs(cmd.Context(), args[0], tail)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

var tenantStatsCmd = &cobra.Command{
	Use:   "stats ID",
	Short: "Show a tenant's container resource usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := client.New(apiAddr).TenantStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Status:  %s\n", stats.Status)
		fmt.Printf("CPU:     %.2f%%\n", stats.CPUPercent)
		fmt.Printf("Memory:  %.1f MiB\n", float64(stats.MemoryBytes)/(1<<20))
		return nil
	},
}

var tenantAuditCmd = &cobra.Command{
	Use:   "audit ID",
	Short: "Show a tenant's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := client.New(apiAddr).TenantAudit(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tACTOR")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Actor)
		}
		return w.Flush()
	},
}

func printResult(res *types.ProvisionResult) {
	if res.Success {
		fmt.Printf("✓ Tenant %s provisioned\n", res.TenantID)
		fmt.Printf("  Container: %s\n", res.ContainerID)
		fmt.Printf("  Schema:    %s\n", res.SchemaName)
		if res.WarmClaim {
			fmt.Println("  Activated from warm pool")
		}
		return
	}
	fmt.Printf("✗ Provisioning failed: %s\n", res.Error)
	if res.ErrorDetail != "" {
		fmt.Printf("  %s\n", res.ErrorDetail)
	}
	for _, step := range res.Compensation {
		fmt.Printf("  rollback: %s\n", step)
	}
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
	tenantCmd.AddCommand(tenantGetCmd)
	tenantCmd.AddCommand(tenantDeleteCmd)
	tenantCmd.AddCommand(tenantSuspendCmd)
	tenantCmd.AddCommand(tenantReactivateCmd)
	tenantCmd.AddCommand(tenantRestartCmd)
	tenantCmd.AddCommand(tenantExtendCmd)
	tenantCmd.AddCommand(tenantPayCmd)
	tenantCmd.AddCommand(tenantLogsCmd)
	tenantCmd.AddCommand(tenantStatsCmd)
	tenantCmd.AddCommand(tenantAuditCmd)

	tenantCreateCmd.Flags().String("token", "", "Telegram bot token for the tenant")
	tenantCreateCmd.Flags().Int64("owner", 0, "Owner's Telegram contact ID")
	tenantCreateCmd.Flags().String("name", "", "Display name")
	tenantCreateCmd.Flags().String("plan", "", "Subscription plan (monthly, quarterly, yearly)")
	tenantCreateCmd.Flags().Bool("async", false, "Submit as a background job instead of waiting")
	_ = tenantCreateCmd.MarkFlagRequired("token")
	_ = tenantCreateCmd.MarkFlagRequired("owner")

	tenantListCmd.Flags().String("state", "", "Filter by subscription state")
	tenantSuspendCmd.Flags().String("reason", "manual suspension", "Suspension reason for the audit trail")
	tenantReactivateCmd.Flags().Int("days", 30, "Days to extend on reactivation")
	tenantExtendCmd.Flags().Int("days", 30, "Days to extend")
	tenantPayCmd.Flags().Int64("amount", 0, "Payment amount in minor units")
	tenantPayCmd.Flags().String("currency", "USD", "Payment currency")
	tenantPayCmd.Flags().String("method", "manual", "Payment method")
	tenantPayCmd.Flags().String("ref", "", "External payment reference")
	tenantPayCmd.Flags().String("plan", "", "Plan whose duration the payment buys")
	_ = tenantPayCmd.MarkFlagRequired("amount")
	tenantLogsCmd.Flags().Int("tail", 100, "Number of log lines")
	tenantAuditCmd.Flags().Int("limit", 50, "Maximum audit entries")
}
