package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/cortexworks/wexec/pkg/executor"
	"github.com/cortexworks/wexec/pkg/log"
	"github.com/cortexworks/wexec/pkg/metrics"
	"github.com/cortexworks/wexec/pkg/runtime"
	"github.com/cortexworks/wexec/pkg/security"
	"github.com/cortexworks/wexec/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a worker executor node",
	Long: `Run a worker executor node: host WASM component instances,
intercept host calls through the durability layer, and answer the
shard manager's assign/revoke/health-check RPCs plus the invocation
and structural-operation surface.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (see fileConfig); CLI flags and env vars override its values")
	serveCmd.Flags().String("node-id", "executor-1", "Unique node ID")
	serveCmd.Flags().String("listen-addr", "127.0.0.1:9100", "RPC listen address")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9101", "Prometheus/health HTTP listen address")
	serveCmd.Flags().String("data-dir", "./wexec-data", "Data directory for the local storage backend")
	serveCmd.Flags().String("backend", "bolt", "Storage backend: memory, bolt, or raft")
	serveCmd.Flags().String("namespace", "default", "Shard-hash namespace")
	serveCmd.Flags().Uint32("total-shards", 1024, "Total number of shards the cluster is partitioned into")
	serveCmd.Flags().Uint64("memory-budget-bytes", 1<<30, "Node-wide memory budget for resident Worker Instances")
	serveCmd.Flags().Duration("acquire-retry-delay", 100*time.Millisecond, "Delay between failed memory-permit acquisition retries")
	serveCmd.Flags().Duration("archive-interval", 5*time.Minute, "Interval between oplog archive-tier migration passes")
	serveCmd.Flags().Duration("idle-sweep-interval", 30*time.Second, "Interval between proactive idle-worker sweeps")
	serveCmd.Flags().Duration("idle-timeout", 5*time.Minute, "How long a worker may sit idle before the sweep evicts it")
	serveCmd.Flags().Bool("insecure", false, "Disable mTLS (local development only)")

	// Raft-backend-only flags, mirroring storage.NewRaftStore's signature.
	serveCmd.Flags().String("raft-bind-addr", "127.0.0.1:9200", "Raft transport bind address (backend=raft only)")
	serveCmd.Flags().Bool("raft-bootstrap", false, "Bootstrap a new single-node Raft cluster (backend=raft only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fc, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}
	env := loadEnvOverrides()
	flags := cmd.Flags()

	nodeID := stringSetting(mustGetString(flags, "node-id"), flags.Changed("node-id"), fc.NodeID, "")
	listenAddr := stringSetting(mustGetString(flags, "listen-addr"), flags.Changed("listen-addr"), fc.ListenAddr, env.ListenAddr)
	metricsAddr := stringSetting(mustGetString(flags, "metrics-addr"), flags.Changed("metrics-addr"), fc.MetricsAddr, "")
	dataDir := stringSetting(mustGetString(flags, "data-dir"), flags.Changed("data-dir"), fc.DataDir, "")
	backend := stringSetting(mustGetString(flags, "backend"), flags.Changed("backend"), fc.Backend, "")
	namespace := stringSetting(mustGetString(flags, "namespace"), flags.Changed("namespace"), fc.Namespace, "")
	totalShards, _ := flags.GetUint32("total-shards")
	if !flags.Changed("total-shards") && fc.TotalShards != 0 {
		totalShards = fc.TotalShards
	}
	memoryBudgetFlag, _ := flags.GetUint64("memory-budget-bytes")
	memoryBudget := uint64Setting(memoryBudgetFlag, flags.Changed("memory-budget-bytes"), fc.MemoryBudgetBytes, env.MemoryBudgetBytes)
	acquireRetryDelayFlag, _ := flags.GetDuration("acquire-retry-delay")
	acquireRetryDelay := durationSetting(acquireRetryDelayFlag, flags.Changed("acquire-retry-delay"), fc.AcquireRetryDelay, env.AcquireRetryDelay)
	archiveIntervalFlag, _ := flags.GetDuration("archive-interval")
	archiveInterval := durationSetting(archiveIntervalFlag, flags.Changed("archive-interval"), fc.ArchiveInterval, 0)
	idleSweepIntervalFlag, _ := flags.GetDuration("idle-sweep-interval")
	idleSweepInterval := durationSetting(idleSweepIntervalFlag, flags.Changed("idle-sweep-interval"), fc.IdleSweepInterval, 0)
	idleTimeoutFlag, _ := flags.GetDuration("idle-timeout")
	idleTimeout := durationSetting(idleTimeoutFlag, flags.Changed("idle-timeout"), fc.IdleTimeout, 0)
	insecure, _ := flags.GetBool("insecure")
	if !flags.Changed("insecure") && fc.Insecure {
		insecure = true
	}
	raftBindAddr, _ := flags.GetString("raft-bind-addr")
	raftBootstrap, _ := flags.GetBool("raft-bootstrap")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := openStore(backend, dataDir, nodeID, raftBindAddr, raftBootstrap)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}

	creds, err := serverCredentials(nodeID, insecure)
	if err != nil {
		store.Close()
		return fmt.Errorf("set up mTLS: %w", err)
	}

	cfg := executor.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.ListenAddr = listenAddr
	cfg.Namespace = namespace
	cfg.TotalShards = totalShards
	cfg.MemoryBudgetBytes = memoryBudget
	cfg.AcquireRetryDelay = acquireRetryDelay
	cfg.ArchiveInterval = archiveInterval
	cfg.IdleSweepInterval = idleSweepInterval
	cfg.IdleTimeout = idleTimeout

	rt := runtime.NewInMemoryRuntime()
	exec := executor.New(cfg, store, rt)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("storage", true, "ready")
	metrics.RegisterComponent("cache", true, "ready")
	metrics.RegisterComponent("sharding", true, "ready")
	metrics.RegisterComponent("rpc", false, "starting")
	go serveMetrics(metricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := exec.Start(creds); err != nil {
			errCh <- err
		}
	}()
	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("rpc", true, "ready")

	log.WithNodeID(nodeID).Info().Str("listen_addr", listenAddr).Msg("wexec serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithNodeID(nodeID).Info().Msg("shutting down")
	case err := <-errCh:
		log.WithNodeID(nodeID).Error().Err(err).Msg("rpc server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return exec.Shutdown(ctx)
}

func openStore(backend, dataDir, nodeID, raftBindAddr string, raftBootstrap bool) (storage.Store, error) {
	switch backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "bolt":
		return storage.NewBoltStore(dataDir)
	case "raft":
		return storage.NewRaftStore(dataDir, nodeID, raftBindAddr, raftBootstrap)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want memory, bolt, or raft)", backend)
	}
}

// serverCredentials loads (or, in --insecure dev mode, skips) the
// mTLS material a node needs to serve pkg/rpc, following the same
// GetCertDir/LoadCertFromFile/LoadCACertFromFile shape
// pkg/rpc.Server's caller is expected to use; bootstrap is a separate
// `wexec cert bootstrap` step (see cert.go), matching the teacher's
// cluster-init-then-certificate-issuance split.
func serverCredentials(nodeID string, insecure bool) (grpc.ServerOption, error) {
	if insecure {
		return grpc.EmptyServerOption{}, nil
	}

	certDir, err := security.GetCertDir("executor", nodeID)
	if err != nil {
		return nil, err
	}
	if !security.CertExists(certDir) {
		return nil, fmt.Errorf("no certificate found at %s; run `wexec cert bootstrap --node-id %s` first", certDir, nodeID)
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, err
	}
	if err := security.ValidateCertChain(cert.Leaf, caCert); err != nil {
		return nil, fmt.Errorf("node certificate at %s no longer chains to the loaded CA (stale after a CA rotation?): %w", certDir, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsConfig := &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}
	return grpc.Creds(credentials.NewTLS(tlsConfig)), nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logger.Error().Err(err).Msg("metrics server error")
	}
}
