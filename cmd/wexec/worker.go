package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexworks/wexec/pkg/rpc"
	"github.com/cortexworks/wexec/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Perform structural operations on a worker through a running node",
}

var workerRevertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Roll back a worker's oplog, deleting the tail as a replayable jump",
	RunE:  runWorkerRevert,
}

var workerForkCmd = &cobra.Command{
	Use:   "fork",
	Short: "Fork a worker's oplog prefix into a new worker",
	RunE:  runWorkerFork,
}

var workerCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Record a cancellation marker for an invocation's idempotency key",
	RunE:  runWorkerCancel,
}

func init() {
	for _, c := range []*cobra.Command{workerRevertCmd, workerForkCmd, workerCancelCmd} {
		addClientFlags(c)
	}

	workerRevertCmd.Flags().String("component-id", "", "Component ID the worker belongs to")
	workerRevertCmd.Flags().String("worker-name", "", "Worker name")
	workerRevertCmd.Flags().Uint64("to-index", 0, "Revert to this oplog index (mutually exclusive with --last-n)")
	workerRevertCmd.Flags().Int("last-n", 0, "Revert the last N invocations (mutually exclusive with --to-index)")
	workerRevertCmd.MarkFlagRequired("component-id")
	workerRevertCmd.MarkFlagRequired("worker-name")

	workerForkCmd.Flags().String("source-component-id", "", "Source worker's component ID")
	workerForkCmd.Flags().String("source-worker-name", "", "Source worker name")
	workerForkCmd.Flags().String("target-component-id", "", "Target worker's component ID")
	workerForkCmd.Flags().String("target-worker-name", "", "Target worker name")
	workerForkCmd.Flags().Uint64("cutoff-index", 0, "Oplog index the fork is taken at (inclusive)")
	workerForkCmd.MarkFlagRequired("source-component-id")
	workerForkCmd.MarkFlagRequired("source-worker-name")
	workerForkCmd.MarkFlagRequired("target-component-id")
	workerForkCmd.MarkFlagRequired("target-worker-name")

	workerCancelCmd.Flags().String("component-id", "", "Component ID the worker belongs to")
	workerCancelCmd.Flags().String("worker-name", "", "Worker name")
	workerCancelCmd.Flags().String("idempotency-key", "", "Idempotency key of the pending invocation to cancel")
	workerCancelCmd.MarkFlagRequired("component-id")
	workerCancelCmd.MarkFlagRequired("worker-name")
	workerCancelCmd.MarkFlagRequired("idempotency-key")

	workerCmd.AddCommand(workerRevertCmd)
	workerCmd.AddCommand(workerForkCmd)
	workerCmd.AddCommand(workerCancelCmd)
}

func runWorkerRevert(cmd *cobra.Command, args []string) error {
	worker, err := workerRef(cmd)
	if err != nil {
		return err
	}
	toIndex, _ := cmd.Flags().GetUint64("to-index")
	lastN, _ := cmd.Flags().GetInt("last-n")
	if (toIndex == 0) == (lastN == 0) {
		return fmt.Errorf("exactly one of --to-index or --last-n must be set")
	}

	client, err := dialClient(cmd)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := &rpc.RevertWorkerRequest{Worker: worker, LastN: lastN}
	if toIndex != 0 {
		idx := types.OplogIndex(toIndex)
		req.ToIndex = &idx
	}
	if err := client.RevertWorker(ctx, req); err != nil {
		return fmt.Errorf("revert worker: %w", err)
	}
	fmt.Println("✓ Worker reverted")
	return nil
}

func runWorkerFork(cmd *cobra.Command, args []string) error {
	sourceComponentID, _ := cmd.Flags().GetString("source-component-id")
	sourceWorkerName, _ := cmd.Flags().GetString("source-worker-name")
	targetComponentID, _ := cmd.Flags().GetString("target-component-id")
	targetWorkerName, _ := cmd.Flags().GetString("target-worker-name")
	cutoffIndex, _ := cmd.Flags().GetUint64("cutoff-index")

	client, err := dialClient(cmd)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := &rpc.ForkWorkerRequest{
		Source:      rpc.WorkerRef{ComponentId: sourceComponentID, WorkerName: sourceWorkerName},
		Target:      rpc.WorkerRef{ComponentId: targetComponentID, WorkerName: targetWorkerName},
		CutoffIndex: types.OplogIndex(cutoffIndex),
	}
	if err := client.ForkWorker(ctx, req); err != nil {
		return fmt.Errorf("fork worker: %w", err)
	}
	fmt.Println("✓ Worker forked")
	return nil
}

func runWorkerCancel(cmd *cobra.Command, args []string) error {
	worker, err := workerRef(cmd)
	if err != nil {
		return err
	}
	idempotencyKey, _ := cmd.Flags().GetString("idempotency-key")

	client, err := dialClient(cmd)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := &rpc.CancelInvocationRequest{Worker: worker, IdempotencyKey: idempotencyKey}
	if err := client.CancelInvocation(ctx, req); err != nil {
		return fmt.Errorf("cancel invocation: %w", err)
	}
	fmt.Println("✓ Cancellation recorded")
	return nil
}
