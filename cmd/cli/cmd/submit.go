package cmd

import (
	"errors"

	"devopsagent/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitFollow bool

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a deployment request",
	Long: `Submit a deployment request to the agent. The agent answers as soon as the
job is registered; the deployment itself runs in the background.

Omitted fields are filled in by the agent (type front, branch main, path k8s,
private true, slug from the name).

Example:
  deployctl submit --name my-api
  deployctl submit --name web --type front --domain web.example.com --private=false --follow`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := deployRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		client := NewDeployClient(viper.GetString("url"))
		result, err := client.Submit(req)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			}
			return err
		}

		cmd.Printf("✓ %s\nJob ID: %s\n", result.Message, result.JobID)
		if result.Position > 0 {
			cmd.Printf("Queue position: %d\n", result.Position)
		}

		if !submitFollow {
			return nil
		}
		cmd.Println()
		return followLogs(cmd, client, result.JobID)
	},
}

func deployRequestFromFlags(cmd *cobra.Command) (api.DeployRequest, error) {
	flags := cmd.Flags()

	var req api.DeployRequest
	req.Name, _ = flags.GetString("name")
	if req.Name == "" {
		return req, errors.New("--name is required")
	}
	req.RepoOwner, _ = flags.GetString("owner")
	req.RepoSlug, _ = flags.GetString("slug")
	req.Type, _ = flags.GetString("type")
	req.Branch, _ = flags.GetString("branch")
	req.Path, _ = flags.GetString("path")
	req.Environment, _ = flags.GetString("environment")
	req.Domain, _ = flags.GetString("domain")
	req.Port, _ = flags.GetInt("port")
	req.Image, _ = flags.GetString("image")
	req.Description, _ = flags.GetString("description")

	// Only send private when the user chose it, so the agent default applies otherwise.
	if flags.Changed("private") {
		private, _ := flags.GetBool("private")
		req.Private = &private
	}
	return req, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("name", "n", "", "Application name (required)")
	flags.String("owner", "", "Repository owner (agent default when empty)")
	flags.String("slug", "", "Repository slug (defaults to the name)")
	flags.StringP("type", "T", "", "Deployment type: front or back")
	flags.StringP("branch", "b", "", "Branch to deploy")
	flags.String("path", "", "Path inside the repository")
	flags.StringP("environment", "e", "", "Target environment")
	flags.String("domain", "", "Public domain")
	flags.IntP("port", "p", 0, "Container port (0 picks the type default)")
	flags.String("image", "", "Container image override")
	flags.Bool("private", true, "Create the repository as private")
	flags.StringP("description", "d", "", "Repository description")
	flags.BoolVarP(&submitFollow, "follow", "f", false, "Follow the deployment logs until it finishes")

	rootCmd.AddCommand(submitCmd)
}
