package container

import (
	"context"
	"fmt"

	"tangled.sh/tangled.sh/agent/config"
)

// New returns the runtime backend selected in cfg.
func New(ctx context.Context, cfg config.Runtime) (Runtime, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		return NewDockerRuntime(ctx)
	case config.BackendContainerd:
		return NewContainerdRuntime(ctx, cfg.ContainerdSocket, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Backend)
	}
}
