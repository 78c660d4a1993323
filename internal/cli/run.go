package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fernwood-iot/meshnode/internal/config"
	"github.com/fernwood-iot/meshnode/internal/logging"
	"github.com/fernwood-iot/meshnode/internal/node"
	"github.com/fernwood-iot/meshnode/internal/tui"
)

var (
	dryRun      bool
	interactive bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node service",
	Long: `Start this meshnode's full stack: GPIO drivers, mesh radio link, and
(when this node is elected root) the MQTT bridge.

Use --interactive or -i to run with a diagnostics TUI.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration without starting the service")
	runCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "run with a diagnostics TUI")
}

func runNode(_ *cobra.Command, _ []string) error {
	logCfg := logging.Config{
		Level:  viper.GetString("logging.level"),
		Format: viper.GetString("logging.format"),
	}

	// For interactive mode, keep stdout free for the TUI.
	if interactive {
		logCfg.Format = "console"
		logCfg.Level = "error"
	}

	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		logging.Logger.Info("using config file", zap.String("path", cfgFile))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if dryRun {
		fmt.Println("Configuration is valid!")
		fmt.Printf("  Device:    %s\n", cfg.Device.Name)
		fmt.Printf("  Transport: %s\n", cfg.Mesh.Transport)
		fmt.Printf("  Broker:    %s\n", cfg.Broker.URL)
		fmt.Printf("  Store:     %s\n", cfg.Store.Path)
		return nil
	}

	service, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node service: %w", err)
	}

	if interactive {
		go func() {
			<-sigChan
			cancel()
		}()

		if err := tui.Run(service); err != nil {
			logging.Logger.Error("TUI error", zap.Error(err))
		}
	} else {
		logging.Logger.Info("node service is running, press Ctrl+C to stop")
		<-sigChan
		logging.Logger.Info("received shutdown signal")
	}

	if err := service.Stop(); err != nil {
		logging.Logger.Error("error stopping service", zap.Error(err))
	}

	return nil
}
