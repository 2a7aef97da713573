package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexworks/wexec/pkg/rpc"
	"github.com/cortexworks/wexec/pkg/rpcclient"
	"github.com/cortexworks/wexec/pkg/security"
	"github.com/cortexworks/wexec/pkg/types"
)

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Inspect a worker's oplog through a running node",
}

var oplogGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Stream a range of oplog entries for one worker",
	RunE:  runOplogGet,
}

var oplogSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search a worker's oplog for entries matching a query",
	RunE:  runOplogSearch,
}

func init() {
	for _, c := range []*cobra.Command{oplogGetCmd, oplogSearchCmd} {
		addClientFlags(c)
		c.Flags().String("component-id", "", "Component ID the worker belongs to")
		c.Flags().String("worker-name", "", "Worker name")
		c.MarkFlagRequired("component-id")
		c.MarkFlagRequired("worker-name")
	}
	oplogGetCmd.Flags().Uint64("from", 0, "First oplog index to stream (inclusive)")
	oplogGetCmd.Flags().Uint64("to", 0, "Last oplog index to stream (inclusive); 0 means through the end")
	oplogSearchCmd.Flags().String("query", "", "Search query: space-separated terms must all match (case-insensitive substrings), OR separates alternatives, field:value matches one field")
	oplogSearchCmd.MarkFlagRequired("query")

	oplogCmd.AddCommand(oplogGetCmd)
	oplogCmd.AddCommand(oplogSearchCmd)
}

// addClientFlags registers the flags every rpcclient-backed subcommand
// needs to dial a running node: its address and the client certificate
// directory to present, defaulting to the CLI's own cert dir the way
// the teacher's kubectl-alike client commands do.
func addClientFlags(c *cobra.Command) {
	c.Flags().String("addr", "127.0.0.1:9100", "Executor node RPC address")
	c.Flags().String("cert-dir", "", "Client certificate directory (defaults to the CLI's own cert dir)")
}

func dialClient(cmd *cobra.Command) (*rpcclient.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	if certDir == "" {
		var err error
		certDir, err = security.GetCLICertDir()
		if err != nil {
			return nil, err
		}
	}
	return rpcclient.DialMTLS(addr, certDir, rpcclient.DefaultRetryConfig())
}

func workerRef(cmd *cobra.Command) (rpc.WorkerRef, error) {
	componentID, _ := cmd.Flags().GetString("component-id")
	workerName, _ := cmd.Flags().GetString("worker-name")
	if componentID == "" || workerName == "" {
		return rpc.WorkerRef{}, fmt.Errorf("--component-id and --worker-name are required")
	}
	return rpc.WorkerRef{ComponentId: componentID, WorkerName: workerName}, nil
}

func runOplogGet(cmd *cobra.Command, args []string) error {
	worker, err := workerRef(cmd)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetUint64("from")
	to, _ := cmd.Flags().GetUint64("to")

	client, err := dialClient(cmd)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := client.GetOplog(ctx, &rpc.GetOplogRequest{
		Worker:    worker,
		FromIndex: types.OplogIndex(from),
		ToIndex:   types.OplogIndex(to),
	})
	if err != nil {
		return fmt.Errorf("open oplog stream: %w", err)
	}

	for {
		entry, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream oplog: %w", err)
		}
		printEntry(entry)
	}
}

func runOplogSearch(cmd *cobra.Command, args []string) error {
	worker, err := workerRef(cmd)
	if err != nil {
		return err
	}
	query, _ := cmd.Flags().GetString("query")

	client, err := dialClient(cmd)
	if err != nil {
		return fmt.Errorf("connect to node: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.SearchOplog(ctx, &rpc.SearchOplogRequest{Worker: worker, Query: query})
	if err != nil {
		return fmt.Errorf("search oplog: %w", err)
	}

	if len(resp.Indexes) == 0 {
		fmt.Println("No matching entries")
		return nil
	}
	for _, idx := range resp.Indexes {
		fmt.Println(idx)
	}
	return nil
}

func printEntry(e *rpc.OplogEntryWire) {
	b, err := json.Marshal(e.Entry)
	if err != nil {
		fmt.Printf("%d\t<unmarshalable entry: %v>\n", e.Index, err)
		return
	}
	fmt.Printf("%d\t%s\n", e.Index, string(b))
}
