package worker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"devopsagent/pkg/api"
)

// ErrValidation wraps every rejected deployment request.
var ErrValidation = errors.New("invalid deployment request")

// RequestDefaults are applied to omitted request fields at acceptance time.
type RequestDefaults struct {
	RepoOwner string
}

var repoSlugPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NormalizeRequest validates req and fills omitted optional fields.
// Explicitly set fields are returned unchanged.
func NormalizeRequest(req api.DeployRequest, defaults RequestDefaults) (api.DeployRequest, error) {
	if strings.TrimSpace(req.Name) == "" {
		return req, fmt.Errorf("%w: missing required field: name", ErrValidation)
	}

	if req.RepoOwner == "" {
		req.RepoOwner = defaults.RepoOwner
	}
	if req.RepoSlug == "" {
		req.RepoSlug = req.Name
	}
	if !repoSlugPattern.MatchString(req.RepoSlug) {
		return req, fmt.Errorf("%w: invalid repository slug %q", ErrValidation, req.RepoSlug)
	}

	switch req.Type {
	case "":
		req.Type = api.TypeFront
	case api.TypeFront, api.TypeBack:
	default:
		return req, fmt.Errorf("%w: type must be %q or %q", ErrValidation, api.TypeFront, api.TypeBack)
	}

	if req.Branch == "" {
		req.Branch = "main"
	}
	if req.Path == "" {
		req.Path = "k8s"
	}
	if req.Port < 0 || req.Port > 65535 {
		return req, fmt.Errorf("%w: port %d out of range", ErrValidation, req.Port)
	}
	if req.Private == nil {
		private := true
		req.Private = &private
	}
	return req, nil
}
