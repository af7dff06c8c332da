package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hutchhq/hutch/pkg/client"
	"github.com/hutchhq/hutch/pkg/types"
)

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage async provisioning jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the result of a provisioning job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		c := client.New(apiAddr)

		var (
			res *types.ProvisionResult
			err error
		)
		if wait {
			res, err = c.WaitForJob(cmd.Context(), args[0], 2*time.Second)
		} else {
			res, err = c.JobResult(cmd.Context(), args[0])
		}
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				fmt.Println("No result yet, the job may still be running")
				return nil
			}
			return err
		}
		printResult(res)
		if !res.Success {
			os.Exit(1)
		}
		return nil
	},
}

// Pool commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the warm bot pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List warm pool members",
	RunE: func(cmd *cobra.Command, _ []string) error {
		members, err := client.New(apiAddr).PoolStatus(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tCONTAINER\tSTATUS\tTENANT")
		for _, m := range members {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", m.Slot, m.ContainerID, m.Status, m.BoundTenantID)
		}
		return w.Flush()
	},
}

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the control plane cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this node's view of the cluster",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := client.New(apiAddr).ClusterStatus(cmd.Context())
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, stats[k])
		}
		return w.Flush()
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add a standby node to the cluster",
	Long: `Ask the current leader to add a node as a Raft voter. Point --api
at the leader and pass the joining node's ID and Raft bind address.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		address, _ := cmd.Flags().GetString("address")

		if err := client.New(apiAddr).ClusterJoin(cmd.Context(), nodeID, address); err != nil {
			return err
		}
		fmt.Printf("Node %s joined the cluster\n", nodeID)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobStatusCmd)
	jobStatusCmd.Flags().Bool("wait", false, "Poll until the job finishes")

	poolCmd.AddCommand(poolStatusCmd)

	clusterCmd.AddCommand(clusterStatusCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterJoinCmd.Flags().String("node-id", "", "Joining node's ID")
	clusterJoinCmd.Flags().String("address", "", "Joining node's Raft bind address")
	_ = clusterJoinCmd.MarkFlagRequired("node-id")
	_ = clusterJoinCmd.MarkFlagRequired("address")
}
