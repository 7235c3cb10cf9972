package worker

import (
	"errors"
	"testing"

	"devopsagent/pkg/api"
)

func TestNormalizeRequest_Defaults(t *testing.T) {
	got, err := NormalizeRequest(api.DeployRequest{Name: "shop"}, RequestDefaults{RepoOwner: "acme"})
	if err != nil {
		t.Fatalf("NormalizeRequest failed: %v", err)
	}

	if got.RepoOwner != "acme" {
		t.Errorf("expected owner acme, got %q", got.RepoOwner)
	}
	if got.RepoSlug != "shop" {
		t.Errorf("expected slug to default to name, got %q", got.RepoSlug)
	}
	if got.Type != api.TypeFront {
		t.Errorf("expected type front, got %q", got.Type)
	}
	if got.Branch != "main" {
		t.Errorf("expected branch main, got %q", got.Branch)
	}
	if got.Path != "k8s" {
		t.Errorf("expected path k8s, got %q", got.Path)
	}
	if got.Private == nil || !*got.Private {
		t.Error("expected private to default to true")
	}
}

func TestNormalizeRequest_KeepsExplicitFalse(t *testing.T) {
	private := false
	got, err := NormalizeRequest(api.DeployRequest{Name: "shop", Private: &private}, RequestDefaults{})
	if err != nil {
		t.Fatalf("NormalizeRequest failed: %v", err)
	}
	if got.IsPrivate() {
		t.Error("expected explicit private=false to survive")
	}
}

func TestNormalizeRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		req  api.DeployRequest
	}{
		{"missing name", api.DeployRequest{}},
		{"blank name", api.DeployRequest{Name: "   "}},
		{"unknown type", api.DeployRequest{Name: "shop", Type: "sidecar"}},
		{"bad slug", api.DeployRequest{Name: "shop", RepoSlug: "../etc"}},
		{"slug from name", api.DeployRequest{Name: "my shop"}},
		{"negative port", api.DeployRequest{Name: "shop", Port: -1}},
		{"port too large", api.DeployRequest{Name: "shop", Port: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeRequest(tt.req, RequestDefaults{})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestNormalizeRequest_MissingNameMessage(t *testing.T) {
	_, err := NormalizeRequest(api.DeployRequest{}, RequestDefaults{})
	if err == nil || err.Error() != "invalid deployment request: missing required field: name" {
		t.Errorf("unexpected error: %v", err)
	}
}
