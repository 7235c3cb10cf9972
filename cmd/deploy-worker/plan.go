package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"devopsagent/pkg/api"
)

var errMissingRequest = errors.New("missing deployment request argument")

// plan is the ordered list of actions the payload reports for one request.
type plan struct {
	Steps []string
}

func parseRequest(args []string) (api.DeployRequest, error) {
	var req api.DeployRequest
	if len(args) == 0 || strings.TrimSpace(args[len(args)-1]) == "" {
		return req, errMissingRequest
	}
	if err := json.Unmarshal([]byte(args[len(args)-1]), &req); err != nil {
		return req, fmt.Errorf("invalid deployment request: %w", err)
	}
	if req.Name == "" {
		return req, errors.New("invalid deployment request: name is required")
	}
	return req, nil
}

func containerPort(req api.DeployRequest) int {
	if req.Port > 0 {
		return req.Port
	}
	if req.Type == api.TypeBack {
		return 3000
	}
	return 80
}

func buildPlan(req api.DeployRequest, jobID string, hasToken bool) plan {
	slug := req.RepoSlug
	if slug == "" {
		slug = req.Name
	}
	repo := slug
	if req.RepoOwner != "" {
		repo = req.RepoOwner + "/" + slug
	}
	visibility := "public"
	if req.IsPrivate() {
		visibility = "private"
	}
	environment := req.Environment
	if environment == "" {
		environment = "development"
	}

	steps := []string{
		fmt.Sprintf("Processing deployment: %s", req.Name),
	}
	if jobID != "" {
		steps = append(steps, fmt.Sprintf("Job: %s", jobID))
	}
	if !hasToken {
		steps = append(steps, "GitHub token not configured, repository changes will be skipped")
	}
	steps = append(steps,
		fmt.Sprintf("Ensuring %s repository %s", visibility, repo),
		fmt.Sprintf("Generating %s manifests for %s in %s (branch %s)", req.Type, environment, req.Path, req.Branch),
		fmt.Sprintf("Container port: %d", containerPort(req)),
	)
	if req.Image != "" {
		steps = append(steps, fmt.Sprintf("Image: %s", req.Image))
	}
	if req.Domain != "" {
		steps = append(steps, fmt.Sprintf("Ingress host: %s", req.Domain))
	}
	steps = append(steps, fmt.Sprintf("Registering application %s-%s", strings.ToLower(req.Name), environment))
	return plan{Steps: steps}
}
