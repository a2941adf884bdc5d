package main

import (
	"fmt"

	"minfs/pkg/discovery"
	"minfs/pkg/types"
	"minfs/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// agentCmd advertises a server in the coordination tree for as long as it
// runs. It is meant to sit beside a metadata or storage server that does not
// register itself.
func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Register a server with the coordination service",
	}
	cmd.AddCommand(metaAgentCmd(), dataAgentCmd())
	return cmd
}

func metaAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "meta <host:port>",
		Short: "Advertise a metadata server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := types.ParseEndpoint(args[0])
			if err != nil {
				return err
			}
			return runAgent(func(coord discovery.Coordinator, paths pathsConfig) (string, error) {
				return discovery.RegisterMetadataNode(coord, paths.meta, ep)
			})
		},
	}
}

func dataAgentCmd() *cobra.Command {
	var (
		capacity string
		used     string
		files    int64
	)

	cmd := &cobra.Command{
		Use:   "data <host:port>",
		Short: "Advertise a storage server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := types.ParseEndpoint(args[0])
			if err != nil {
				return err
			}
			total, err := utils.ParseDataSize(capacity)
			if err != nil {
				return fmt.Errorf("invalid capacity: %w", err)
			}
			usedBytes, err := utils.ParseDataSize(used)
			if err != nil {
				return fmt.Errorf("invalid used capacity: %w", err)
			}

			info := types.StorageNodeInfo{
				Endpoint:      ep,
				TotalCapacity: total,
				UsedCapacity:  usedBytes,
				FileTotal:     files,
			}
			return runAgent(func(coord discovery.Coordinator, paths pathsConfig) (string, error) {
				return discovery.RegisterStorageNode(coord, paths.data, info)
			})
		},
	}

	cmd.Flags().StringVar(&capacity, "capacity", "100GiB", "advertised total capacity")
	cmd.Flags().StringVar(&used, "used", "0", "advertised used capacity")
	cmd.Flags().Int64Var(&files, "files", 0, "advertised file count")
	return cmd
}

type pathsConfig struct {
	meta string
	data string
}

func runAgent(register func(discovery.Coordinator, pathsConfig) (string, error)) error {
	ctx, stop := signalContext()
	defer stop()

	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	session, err := discovery.Dial(cfg.Coordination, logger.Named("zk"))
	if err != nil {
		return err
	}
	defer session.Close()

	paths := pathsConfig{
		meta: cfg.Coordination.MetaServersPath,
		data: cfg.Coordination.DataServersPath,
	}
	node, err := register(session, paths)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	logger.Warn("Registered node, holding session until interrupted", zap.String("node", node))
	fmt.Printf("Registered %s\n", node)

	// An expired session takes the ephemeral node with it, so register again
	// once a new session is up.
	expired := false
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down agent", zap.String("node", node))
			return nil
		case ev, ok := <-session.SessionEvents():
			if !ok {
				return fmt.Errorf("coordination session closed")
			}
			switch ev {
			case discovery.SessionExpired:
				expired = true
				logger.Warn("Coordination session expired", zap.String("node", node))
			case discovery.SessionConnected:
				if !expired {
					continue
				}
				if node, err = register(session, paths); err != nil {
					return fmt.Errorf("failed to re-register: %w", err)
				}
				expired = false
				logger.Warn("Re-registered node", zap.String("node", node))
			}
		}
	}
}
