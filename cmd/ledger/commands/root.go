package commands

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/costguard/ledger/pkg/config"
	"github.com/costguard/ledger/pkg/logging"
)

var (
	cfgFile string
	cfg     config.Config
	log     *logrus.Logger
	v       = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "costguard-ledger",
	Short: "Cost scan and decision ledger for the CostGuard dashboard",
	Long: `costguard-ledger stores the cost scans and remediation decisions the
CostGuard agent submits for each repository, and serves the dashboard's
read views over them.

  costguard-ledger serve      # HTTP API
  costguard-ledger process    # Pub/Sub submission worker
  costguard-ledger repos      # print tracked repositories`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// SetVersionInfo is called from main with values set at link time.
func SetVersionInfo(version, commit, buildTime string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().String("backend", "fs", "storage backend (fs, sqlite, postgres)")

	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("backend"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(reposCmd)
}

func initConfig() error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(loaded.Log.Level, loaded.Log.Format)
	if err != nil {
		return err
	}
	cfg = loaded
	log = logger
	if used := v.ConfigFileUsed(); used != "" {
		log.WithField("file", used).Debug("using config file")
	}
	return nil
}
