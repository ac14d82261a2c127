package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"drift/config"
	"drift/workspace"
)

// RunCheck re-verifies every file of the installed revision against the
// repository metadata and repairs what fails.
func RunCheck(ctx context.Context, cfg *config.Config) int {
	ws := workspace.New(cfg.Workspace.Path)
	st, err := ws.LoadState()
	if err != nil {
		log.Errorf("Failed to load workspace state: %v", err)
		return ExitCode(err)
	}
	if st.Status == workspace.StatusNew {
		log.Error("Workspace has no installed revision to check")
		return ExitIntegrity
	}
	goal := st.Revision
	if st.Status == workspace.StatusUpdating && st.Update != nil {
		goal = st.Update.Goal
	}

	updater, repo, err := newUpdater(cfg, true)
	if err != nil {
		log.Errorf("Failed to open repository: %v", err)
		return ExitCode(err)
	}
	defer repo.Close()

	if err := updater.Update(ctx, goal); err != nil {
		log.Errorf("Check failed: %v", err)
		return ExitCode(err)
	}
	log.Infof("Workspace verified at revision %s", goal)
	return ExitOK
}
