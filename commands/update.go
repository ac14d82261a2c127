package commands

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"drift/config"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// RunUpdate synchronizes the workspace with the goal revision (the
// repository's current revision when goal is empty).
func RunUpdate(ctx context.Context, cfg *config.Config, goal string, check bool) int {
	updater, repo, err := newUpdater(cfg, check)
	if err != nil {
		log.Errorf("Failed to open repository: %v", err)
		return ExitCode(err)
	}
	defer repo.Close()

	if err := updater.Update(ctx, goal); err != nil {
		log.Errorf("Update failed: %v", err)
		return ExitCode(err)
	}
	return ExitOK
}
