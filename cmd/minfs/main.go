package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minfs/pkg/client"
	"minfs/pkg/config"
	"minfs/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	namespace  string
	zkServers  []string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "minfs",
		Short: "Client for the minfs distributed file system",
		Long: `Talks to a minfs cluster: the metadata service is found through ZooKeeper
and file contents are streamed to and from the replicas on the storage nodes.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "file system namespace")
	rootCmd.PersistentFlags().StringSliceVar(&zkServers, "zk", nil, "ZooKeeper servers (host:port)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		clusterCmd(),
		lsCmd(),
		statCmd(),
		mkdirCmd(),
		rmCmd(),
		putCmd(),
		getCmd(),
		catCmd(),
		md5Cmd(),
		mountCmd(),
		agentCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// loadConfig applies the config file, then MINFS_* variables, then flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	config.ApplyEnv(cfg)

	if namespace != "" {
		cfg.Namespace = namespace
	}
	if len(zkServers) > 0 {
		cfg.Coordination.Servers = zkServers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is an open client plus whatever must be torn down with it.
type session struct {
	fs      *client.FileSystem
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.ClientMetrics
}

func (s *session) Close() {
	s.fs.Close()
	s.logger.Sync()
}

// connect opens a client and waits until a metadata master is known.
func connect(ctx context.Context) (*session, error) {
	logger := setupLogger(verbose)
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	m := metrics.NewClientMetrics(prometheus.NewRegistry())
	fs, err := client.New(ctx, cfg, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Coordination.SessionTimeout+5*time.Second)
	defer cancel()
	if err := fs.WaitReady(waitCtx); err != nil {
		fs.Close()
		return nil, err
	}
	return &session{fs: fs, cfg: cfg, logger: logger, metrics: m}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
