package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/pxp-agent/pxp-agent/pkg/api"
)

// metadataResponse is the JSON shape a plugin returns for `<path>
// metadata`, per spec.md §4.C.
type metadataResponse struct {
	ModuleName string                     `json:"module_name"`
	Actions    map[string]api.ActionSchema `json:"actions"`
}

// introspect invokes the plugin's metadata subcommand and parses its
// declared module name and actions.
func introspect(ctx context.Context, path string, timeout time.Duration) (metadataResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "metadata")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return metadataResponse{}, fmt.Errorf("introspect %s: %w (stderr: %s)", path, err, stderr.String())
	}

	var meta metadataResponse
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return metadataResponse{}, fmt.Errorf("introspect %s: invalid metadata JSON: %w", path, err)
	}
	if meta.ModuleName == "" {
		return metadataResponse{}, fmt.Errorf("introspect %s: empty module_name", path)
	}
	return meta, nil
}
