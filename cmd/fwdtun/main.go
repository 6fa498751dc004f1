// Fwdtun — tunneling proxy agent.
//
// The agent dials a tunnel server, announces a metadata document, and
// binds the loopback listeners the server asks for. Traffic hitting those
// listeners is multiplexed over the single upstream connection; replies
// come back to the originating local peer. The agent reconnects forever
// and exits only on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/nelyj/fwdtun/internal/app"
	"github.com/nelyj/fwdtun/internal/config"
	"github.com/nelyj/fwdtun/internal/metrics"
	"github.com/nelyj/fwdtun/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}
	var configPath string

	cmd := &cobra.Command{
		Use:          "fwdtun",
		Short:        "Tunneling proxy agent",
		Long:         "fwdtun multiplexes local TCP and UDP listeners over one connection to a tunnel server.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				fileCfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				mergeConfig(cmd, cfg, fileCfg)
			}
			if cfg.Debug {
				util.EnableDebug()
			}

			pterm.Info.Println(fmt.Sprintf("fwdtun — v%s", version))
			pterm.Println()

			if cfg.MetricsListen != "" {
				metrics.Register()
				if err := metrics.Serve(cfg.MetricsListen); err != nil {
					return err
				}
			}

			return app.Run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Connect, "connect", "c", config.DefaultConnect, "upstream address host[:port], or a ws(s):// URL")
	flags.StringVarP(&cfg.MetadataPath, "json-metadata", "j", "", "path to a JSON metadata document (default: empty object)")
	flags.BoolVarP(&cfg.Debug, "debug", "d", false, "enable debug logging")
	flags.StringVar(&configPath, "config", "", "YAML agent config file")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", "", "expose Prometheus metrics on this address")

	if err := cmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("shut down cleanly")
}

// mergeConfig overlays file values under any flags the user did not set
// explicitly, so the precedence is flags > file > defaults.
func mergeConfig(cmd *cobra.Command, cfg, file *config.Config) {
	if !cmd.Flags().Changed("connect") && file.Connect != "" {
		cfg.Connect = file.Connect
	}
	if !cmd.Flags().Changed("json-metadata") && file.MetadataPath != "" {
		cfg.MetadataPath = file.MetadataPath
	}
	if !cmd.Flags().Changed("debug") && file.Debug {
		cfg.Debug = true
	}
	if !cmd.Flags().Changed("metrics-listen") && file.MetricsListen != "" {
		cfg.MetricsListen = file.MetricsListen
	}
}
