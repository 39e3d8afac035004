// Command coordinator runs one member of the CyxCloud coordinator
// cluster: the Raft-replicated metadata store, the node
// registration/heartbeat RPC surface, the Node Monitor, the
// Rebalancer, and the Epoch Accountant. Modeled on the teacher's
// cmd/warren/main.go cobra wiring, split into its own binary since
// CyxCloud's coordinator and node agent are always separate processes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyxcloud/cyxcloud/pkg/coordinator"
	"github.com/cyxcloud/cyxcloud/pkg/coordinatorapi"
	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/epoch"
	"github.com/cyxcloud/cyxcloud/pkg/metrics"
	"github.com/cyxcloud/cyxcloud/pkg/monitor"
	"github.com/cyxcloud/cyxcloud/pkg/placement"
	"github.com/cyxcloud/cyxcloud/pkg/rebalancer"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinator",
	Short:   "CyxCloud coordination core",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("node-id", "coordinator-1", "unique id of this coordinator")
	runCmd.Flags().String("bind-addr", "127.0.0.1:8300", "raft bind address")
	runCmd.Flags().String("rpc-addr", "127.0.0.1:8301", "node registration/heartbeat RPC listen address")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics listen address")
	runCmd.Flags().String("data-dir", "./data/coordinator", "raft + metadata store data directory")
	runCmd.Flags().Bool("bootstrap", false, "bootstrap a brand-new single-node cluster")
	runCmd.Flags().String("join-addr", "", "raft bind address of an existing leader to join")

	rootCmd.AddCommand(runCmd, joinTokenCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	cyxlog.Init(cyxlog.Config{Level: cyxlog.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this coordinator node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		joinAddr, _ := cmd.Flags().GetString("join-addr")

		coord, err := coordinator.New(coordinator.Config{
			NodeID:   nodeID,
			BindAddr: bindAddr,
			DataDir:  dataDir,
		})
		if err != nil {
			return fmt.Errorf("creating coordinator: %w", err)
		}

		switch {
		case bootstrap:
			if err := coord.Bootstrap(); err != nil {
				return fmt.Errorf("bootstrapping cluster: %w", err)
			}
		case joinAddr != "":
			// Joining is driven from the existing leader via AddVoter;
			// this process still needs its own Raft instance running,
			// which Bootstrap-of-one also sets up before the leader
			// adds it as a voter. A real deployment issues the
			// AddVoter call out of band (e.g. via join-token exchange
			// over the RPC surface); this flag only documents intent.
			if err := coord.Bootstrap(); err != nil {
				return fmt.Errorf("starting raft: %w", err)
			}
		default:
			if err := coord.Bootstrap(); err != nil {
				return fmt.Errorf("starting raft: %w", err)
			}
		}
		defer coord.Shutdown()

		mon := monitor.New(coord, monitor.DefaultConfig())
		mon.Start()
		defer mon.Stop()

		placementEngine := placement.New(coord, placement.DefaultConfig())

		rebalancerEngine := rebalancer.New(coord, placementEngine, rebalancer.DefaultConfig())
		rebalancerEngine.Start()
		defer rebalancerEngine.Stop()

		accountant := epoch.New(coord, nil, epoch.DefaultConfig())
		accountant.Start()
		defer accountant.Stop()

		apiServer := coordinatorapi.NewServer(coord, mon, coordinatorapi.DefaultConfig())
		go func() {
			if err := apiServer.Start(rpcAddr); err != nil {
				cyxlog.WithComponent("coordinator").Error().Err(err).Msg("rpc server exited")
			}
		}()
		defer apiServer.Stop()

		metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				cyxlog.WithComponent("coordinator").Error().Err(err).Msg("metrics server exited")
			}
		}()

		cyxlog.WithComponent("coordinator").Info().
			Str("node_id", nodeID).
			Str("rpc_addr", rpcAddr).
			Str("metrics_addr", metricsAddr).
			Msg("coordinator started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		cyxlog.WithComponent("coordinator").Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
		return nil
	},
}

var joinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Generate a one-time node registration join token",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		coord, err := coordinator.New(coordinator.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir})
		if err != nil {
			return fmt.Errorf("creating coordinator: %w", err)
		}
		tok, err := coord.GenerateJoinToken()
		if err != nil {
			return fmt.Errorf("generating join token: %w", err)
		}
		fmt.Println(tok.Token)
		return nil
	},
}

func init() {
	joinTokenCmd.Flags().String("node-id", "coordinator-1", "unique id of this coordinator")
	joinTokenCmd.Flags().String("bind-addr", "127.0.0.1:8300", "raft bind address")
	joinTokenCmd.Flags().String("data-dir", "./data/coordinator", "raft + metadata store data directory")
}
