package cli

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "autoheal",
	Short: "autoheal: repairs failed deployments without a human",
	Long: `autoheal watches deployments, asks an AI model to diagnose each failure,
commits the proposed fix to a fresh branch and redeploys it, repeating until the
deployment succeeds or the retry budget is spent.

State lives in ~/.autoheal/ (SQLite for failure records and events, files for
prompt and response artifacts) unless a postgres database is configured.
Every flag can also be set through an AUTOHEAL_ environment variable.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal.
		_ = godotenv.Load()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	viper.SetEnvPrefix("AUTOHEAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "path to autoheal config (default ./autoheal.yaml or ~/.autoheal/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the SQLite database (default ~/.autoheal/autoheal.db)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(failureCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(analyticsCmd)
}
