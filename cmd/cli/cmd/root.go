package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deployctl",
	Short: "deployctl submits and follows deployments on a devops agent",
	Long: `deployctl is the command-line interface for the devops deployment agent.

The agent accepts deployment requests over HTTP, runs them one at a time on a
local process or a Kubernetes Job, and streams their logs while they run.

Common workflows:

  Submit a deployment and follow its logs:
    deployctl submit --name my-api --type back --follow

  Check a deployment:
    deployctl status <job-id>

  Print or follow logs:
    deployctl logs <job-id>
    deployctl logs <job-id> --follow

Configuration:
  Set the agent endpoint via flag, environment variable or config file:
    DEPLOYCTL_URL    Agent endpoint (default: http://localhost:3000)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".deployctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".deployctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "DEPLOYCTL_VARNAME"
	viper.SetEnvPrefix("DEPLOYCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.deployctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:3000", "Deployment agent URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
