package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/application"
	"github.com/lk2023060901/collab-sync-go/internal/config"
	"github.com/lk2023060901/collab-sync-go/internal/crdt"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "collabd",
		Short:         "Realtime collaborative document sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"config file path (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	root.AddCommand(newCodecCommand())
	return root
}

// serve 运行协作服务直到 ctx 结束。
func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	undo, err := maxprocs.Set(maxprocs.Logger(log.S().Infof))
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undo()

	return application.New(cfg).Run(ctx)
}

// newCodecCommand 以 gRPC 对外提供参考实现的 codec，供 codec.backend=remote 的节点联调。
func newCodecCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "codec-server",
		Short: "Serve the reference CRDT codec over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			server, errCh := crdt.ServeCodec(lis, crdt.NewReference())
			log.Info("crdt codec server started", zap.String("addr", lis.Addr().String()))

			select {
			case <-cmd.Context().Done():
				server.GracefulStop()
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9091", "gRPC listen address")
	return cmd
}
