package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/canopymail/core/internal/config"
	"github.com/canopymail/core/internal/observability"
)

var (
	cfgFile string
	v       = viper.New()

	appConfig *config.Config
	log       *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "canopy runs the email classification pipeline's job queue, worker, and stream supervisor",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		appConfig = cfg

		logger, err := observability.New(cfg.Log.Level, cfg.Log.JSON)
		if err != nil {
			return err
		}
		log = logger
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))
}

// Execute runs the root command, printing a single human-readable error
// line to stderr and returning a non-zero exit status on failure.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
