package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devopsagent/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var follow bool

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Print or stream logs for a deployment",
	Long: `Print the log lines a deployment has produced so far. With --follow the
command stays attached and prints new lines until the deployment finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		client := NewDeployClient(viper.GetString("url"))

		if follow {
			return followLogs(cmd, client, jobID)
		}

		job, err := client.GetJob(jobID)
		if err != nil {
			return err
		}
		for _, line := range job.Logs {
			cmd.Println(line)
		}
		return nil
	},
}

// followLogs streams a job's logs until it finishes or the user interrupts.
// A failed deployment is reported as an error so the exit code reflects it.
func followLogs(cmd *cobra.Command, client *DeployClient, jobID string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var final api.LogEvent
	err := client.StreamLogs(ctx, jobID, func(event api.LogEvent) error {
		if event.Done {
			final = event
			return nil
		}
		cmd.Println(event.Log)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by the user.
			return nil
		}
		return err
	}

	cmd.Printf("\nDeployment %s\n", colorizeStatus(final.Status))
	if final.Status == "failed" {
		if final.Error != "" {
			return fmt.Errorf("deployment failed: %s", final.Error)
		}
		return fmt.Errorf("deployment failed")
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
}
