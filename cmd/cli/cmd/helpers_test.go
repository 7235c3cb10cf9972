package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"devopsagent/pkg/api"
)

// writeEvents writes events as SSE frames the way the agent does.
func writeEvents(t *testing.T, w http.ResponseWriter, events ...api.LogEvent) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("failed to marshal event: %v", err)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: message})
}

func runRoot(args ...string) (string, error) {
	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}
