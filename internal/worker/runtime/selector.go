package runtime

import (
	"fmt"
	"os"
	"sync"
)

// ServiceAccountPath is mounted into every pod that runs with a service account.
const ServiceAccountPath = "/var/run/secrets/kubernetes.io/serviceaccount"

// Mode controls backend selection.
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeLocal      Mode = "local"
	ModeKubernetes Mode = "kubernetes"
)

// InCluster reports whether the service account mount at path exists.
func InCluster(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Selector picks the backend for each admitted job.
type Selector struct {
	mode       Mode
	probe      func() bool
	local      Runtime
	newCluster func() (Runtime, error)

	mu      sync.Mutex
	cluster Runtime
}

// NewSelector creates a selector. newCluster is called at most once successfully;
// a failed build is retried on the next selection.
func NewSelector(mode Mode, probe func() bool, local Runtime, newCluster func() (Runtime, error)) *Selector {
	if mode == "" {
		mode = ModeAuto
	}
	return &Selector{
		mode:       mode,
		probe:      probe,
		local:      local,
		newCluster: newCluster,
	}
}

// Select returns the backend for the current environment.
func (s *Selector) Select() (Runtime, error) {
	switch s.mode {
	case ModeLocal:
		return s.local, nil
	case ModeKubernetes:
		return s.clusterRuntime()
	case ModeAuto:
		if s.probe != nil && s.probe() {
			return s.clusterRuntime()
		}
		return s.local, nil
	default:
		return nil, fmt.Errorf("unknown runtime mode %q", s.mode)
	}
}

func (s *Selector) clusterRuntime() (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cluster != nil {
		return s.cluster, nil
	}
	if s.newCluster == nil {
		return nil, fmt.Errorf("kubernetes runtime is not configured")
	}
	rt, err := s.newCluster()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize kubernetes runtime: %w", err)
	}
	s.cluster = rt
	return rt, nil
}
