package main

import (
	"context"
	"fmt"
	"time"

	"minfs/pkg/fuse"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func mountCmd() *cobra.Command {
	var (
		debug       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the namespace with FUSE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if metricsAddr != "" {
				s.cfg.Metrics.Enabled = true
				s.cfg.Metrics.Address = metricsAddr
			}
			if s.cfg.Metrics.Enabled {
				srv := s.metrics.Serve(s.cfg.Metrics.Address, s.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			server, err := fuse.Mount(args[0], s.fs, s.logger.Named("fuse"), debug)
			if err != nil {
				return fmt.Errorf("failed to mount: %w", err)
			}
			fmt.Printf("Mounted namespace %q at %s, press Ctrl+C to unmount\n", s.cfg.Namespace, args[0])

			go func() {
				<-ctx.Done()
				s.logger.Info("Unmounting", zap.String("mountpoint", args[0]))
				if err := server.Unmount(); err != nil {
					s.logger.Error("Failed to unmount", zap.Error(err))
				}
			}()

			server.Wait()
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
