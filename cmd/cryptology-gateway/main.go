// cmd/cryptology-gateway/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/djeer/cryptology-go/common/configloader"
	"github.com/djeer/cryptology-go/common/logger"
	"github.com/djeer/cryptology-go/common/shutdown"
	"github.com/djeer/cryptology-go/internal/app"
	"github.com/djeer/cryptology-go/internal/config"
)

type options struct {
	configPath  string
	printConfig bool
}

func bindFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to config file (ENV and defaults only when empty)")
	fs.BoolVar(&o.printConfig, "print-config", false, "print the resolved configuration with secrets redacted and exit")
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:           "cryptology-gateway",
		Short:         "Bridges a Cryptology venue session to Kafka",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	bindFlags(root.Flags(), &opts)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "cryptology-gateway: %v\n", err)
		os.Exit(1)
	}
}

// run starts the gateway, or only prints the configuration to out when
// --print-config is set.
func run(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if opts.printConfig {
		return configloader.PrintConfig(out, cfg)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	ctx, cancel := shutdown.NotifyContext(ctx, log)
	defer cancel()

	log.Info("starting gateway",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("venue", cfg.Cryptology.Session.URL),
	)
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("gateway exited with error", zap.Error(err))
		return err
	}
	log.Info("gateway stopped")
	return nil
}
