package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"drift/config"
	"drift/workspace"
)

// RunInit writes a fresh config file and prepares an empty workspace.
func RunInit(ctx context.Context, cfg *config.Config) int {
	ws := workspace.New(cfg.Workspace.Path)
	if err := ws.Init(); err != nil {
		log.Errorf("Failed to initialize workspace: %v", err)
		return ExitCode(err)
	}
	if err := ws.SaveState(workspace.NewState()); err != nil {
		log.Errorf("Failed to write workspace state: %v", err)
		return ExitCode(err)
	}
	if err := cfg.Save(); err != nil {
		log.Errorf("Failed to save config: %v", err)
		return ExitIntegrity
	}
	log.Infof("Initialized workspace at %s", ws.Root())
	return ExitOK
}
