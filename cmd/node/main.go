// Command node runs a CyxCloud storage node: a Local Chunk Store
// exposed over gRPC, registered with a coordinator and kept alive by a
// periodic heartbeat loop. Modeled on the teacher's cmd/warren/main.go
// cobra wiring and pkg/worker's registration-then-heartbeat lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyxcloud/cyxcloud/pkg/cyxlog"
	"github.com/cyxcloud/cyxcloud/pkg/nodeagent"
	"github.com/cyxcloud/cyxcloud/pkg/types"
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
	Use:     "node",
	Short:   "CyxCloud storage node agent",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("node-id", "", "unique id of this node (required)")
	runCmd.Flags().String("peer-id", "", "opaque libp2p-style peer identifier")
	runCmd.Flags().String("bind-addr", "0.0.0.0:9400", "this agent's own gRPC listen address")
	runCmd.Flags().String("advertise-addr", "127.0.0.1:9400", "gRPC address advertised to the coordinator")
	runCmd.Flags().String("coordinator-addr", "127.0.0.1:8301", "coordinator RPC address")
	runCmd.Flags().String("data-dir", "./data/node", "local chunk store directory")
	runCmd.Flags().String("join-token", "", "bearer token obtained from the coordinator")
	runCmd.Flags().Int64("total-bytes", 100<<30, "total advertised storage capacity in bytes")
	runCmd.Flags().String("type", "volunteer", "node type: miner, volunteer, enterprise")
	runCmd.Flags().String("datacenter", "", "failure-domain datacenter label")
	runCmd.Flags().String("rack", "", "failure-domain rack label")
	runCmd.Flags().String("region", "", "failure-domain region label")

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	cyxlog.Init(cyxlog.Config{Level: cyxlog.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this storage node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}
		peerID, _ := cmd.Flags().GetString("peer-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		advertiseAddr, _ := cmd.Flags().GetString("advertise-addr")
		coordAddr, _ := cmd.Flags().GetString("coordinator-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		joinToken, _ := cmd.Flags().GetString("join-token")
		totalBytes, _ := cmd.Flags().GetInt64("total-bytes")
		nodeType, _ := cmd.Flags().GetString("type")
		datacenter, _ := cmd.Flags().GetString("datacenter")
		rack, _ := cmd.Flags().GetString("rack")
		region, _ := cmd.Flags().GetString("region")

		cfg := nodeagent.DefaultConfig()
		cfg.NodeID = nodeID
		cfg.PeerID = peerID
		cfg.BindAddr = bindAddr
		cfg.GRPCAddress = advertiseAddr
		cfg.CoordinatorAddr = coordAddr
		cfg.DataDir = dataDir
		cfg.JoinToken = joinToken
		cfg.TotalBytes = totalBytes
		cfg.Type = types.NodeType(nodeType)
		cfg.Domain = types.FailureDomain{Datacenter: datacenter, Rack: rack, Region: region}

		agent, err := nodeagent.New(cfg)
		if err != nil {
			return fmt.Errorf("creating node agent: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := agent.Start(ctx); err != nil {
			return fmt.Errorf("starting node agent: %w", err)
		}
		defer agent.Stop()

		cyxlog.WithComponent("node").Info().
			Str("node_id", nodeID).
			Str("bind_addr", bindAddr).
			Str("coordinator_addr", coordAddr).
			Msg("node agent started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		cyxlog.WithComponent("node").Info().Msg("shutting down")
		return nil
	},
}
