package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"drift/config"
	"drift/workspace"
)

// RunInfo prints the workspace state and the repository's published versions.
func RunInfo(ctx context.Context, cfg *config.Config) int {
	ws := workspace.New(cfg.Workspace.Path)
	st, err := ws.LoadState()
	if err != nil {
		log.Errorf("Failed to load workspace state: %v", err)
		return ExitCode(err)
	}
	log.Infof("Workspace %s: status=%s revision=%s", ws.Root(), st.Status, st.Revision)
	if st.Update != nil {
		log.Infof("In-progress update to %s: package %d/%d, operation %d, %d failed files",
			st.Update.Goal, st.Update.Applied.Package, len(st.Update.Packages),
			st.Update.Applied.Operation, len(st.Update.Failures))
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Errorf("Failed to open repository: %v", err)
		return ExitCode(err)
	}
	defer repo.Close()

	current, err := repo.CurrentVersion(ctx)
	if err != nil {
		log.Errorf("Failed to load current version: %v", err)
		return ExitCode(err)
	}
	log.Infof("Repository current: %s (%s)", current.Current.Revision, current.Current.Description)

	versions, err := repo.Versions(ctx)
	if err != nil {
		log.Errorf("Failed to load versions: %v", err)
		return ExitCode(err)
	}
	for _, v := range versions.Versions {
		log.Infof("Version %s: %s", v.Revision, v.Description)
	}

	packages, err := repo.Packages(ctx)
	if err != nil {
		log.Errorf("Failed to load packages: %v", err)
		return ExitCode(err)
	}
	for i := range packages.Packages {
		p := &packages.Packages[i]
		log.Infof("Package %s: %d bytes", p.DataName(), p.Size)
	}
	return ExitOK
}
