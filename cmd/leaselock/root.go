package main

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "leaselock",
	Short: "distributed lease locks",
	Long: `leaselock (v` + version + `)

Lease based distributed locks on a linearizable compare-and-set store.
Flags can also be set as LEASELOCK_<FLAG> environment variables
(e.g. LEASELOCK_LOG_LEVEL=debug), read from .env and .env.local.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("leaselock v%s\n", version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(versionCmd)
}

// env files first, then LEASELOCK_* variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("leaselock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func newLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "leaselock",
		Level:  hclog.LevelFromString(viper.GetString("log-level")),
		Output: os.Stderr,
	})
}
