// Package main is the deployment payload run by the agent for each job,
// either as a local process or as the container of a Kubernetes Job.
// It receives the deployment request as its single JSON argument.
package main

import (
	"fmt"
	"io"
	"os"
	"time"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, "Deploy Worker started")

	req, err := parseRequest(args)
	if err != nil {
		fmt.Fprintf(stderr, "Deployment failed: %v\n", err)
		return 1
	}

	delay := 3 * time.Second
	if v := getenv("DEPLOY_WORKER_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(stderr, "Deployment failed: invalid DEPLOY_WORKER_DELAY: %v\n", err)
			return 1
		}
		delay = d
	}

	p := buildPlan(req, getenv("JOB_ID"), getenv("GITHUB_TOKEN") != "")
	for _, step := range p.Steps {
		fmt.Fprintln(stdout, step)
	}

	time.Sleep(delay)

	fmt.Fprintln(stdout, "Deployment completed successfully")
	return 0
}
