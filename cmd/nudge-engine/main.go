package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/greentrail/nudge-engine/engineservice"
	"github.com/greentrail/nudge-engine/internal/config"
	"github.com/greentrail/nudge-engine/internal/logger"
)

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("nudge-engine exited with error")
		os.Exit(1)
	}
}

// NewRootCmd builds the service command. Flags override NUDGE_* variables.
func NewRootCmd() *cobra.Command {
	var (
		port      int
		storeName string
		dataDir   string
		logLevel  string
		noSync    bool
	)

	cmd := &cobra.Command{
		Use:          "nudge-engine",
		Short:        "Run the local carbon nudge engine and its HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			if cmd.Flags().Changed("store") {
				cfg.StoreDriver = storeName
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if noSync {
				cfg.SyncEnabled = false
			}
			if err := cfg.ResolveDefaults(); err != nil {
				return err
			}

			l := logger.New("nudge-engine").Level(logger.ParseLevel(cfg.LogLevel))
			log.Logger = l
			return engineservice.Run(cmd.Context(), cfg, l)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 11546, "HTTP port for the local API")
	cmd.Flags().StringVar(&storeName, "store", config.StoreSQLite, "Store driver (sqlite|memory)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the SQLite database")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Keep sync events in the offline queue")
	return cmd
}
