package commands

import (
	"context"

	"drift/config"
)

// RunRepair is a check pass that insists: it verifies the installed revision
// and replays recovery until the workspace is clean or proven unrecoverable.
// It shares the whole pipeline with check; the separate command exists so
// operators can express intent in scripts.
func RunRepair(ctx context.Context, cfg *config.Config) int {
	return RunCheck(ctx, cfg)
}
