// Package commands implements the CLI subcommands on top of the update
// pipeline.
package commands

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"drift/codec"
	"drift/config"
	"drift/datastore/leveldb"
	"drift/metadata"
	"drift/planner"
	"drift/progress"
	"drift/repository"
	"drift/update"
	"drift/workspace"
)

// Exit codes of the CLI.
const (
	ExitOK = 0
	ExitCancelled = 1
	ExitNetwork = 2
	ExitIntegrity = 3
	ExitMalformed = 4
	ExitLocked = 5
)

// ExitCode maps a pipeline error to the documented CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		netErr *repository.NetworkError
		malformed *metadata.MalformedError
		noPath *planner.NoPathError
		locked *workspace.LockedError
		unrecover *update.UnrecoverableError
		failed *update.FailedError
		unsupported *codec.UnsupportedCodecError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &locked):
		return ExitLocked
	case errors.As(err, &malformed), errors.As(err, &noPath):
		return ExitMalformed
	case errors.As(err, &unrecover), errors.As(err, &failed), errors.As(err, &unsupported):
		return ExitIntegrity
	case errors.As(err, &netErr):
		return ExitNetwork
	default:
		return ExitIntegrity
	}
}

// openRepository builds the repository client described by the config: HTTP
// for URLs, the file backend for local paths, both optionally fronted by the
// leveldb metadata cache.
func openRepository(cfg *config.Config) (repository.Repository, error) {
	var repo repository.Repository
	url := cfg.Repository.URL
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		opts := repository.DefaultHTTPOptions()
		opts.Username = cfg.Repository.Username
		opts.Password = cfg.Repository.Password
		if cfg.Tuning.ConnectTimeoutSeconds > 0 {
			opts.ConnectTimeout = secondsToDuration(cfg.Tuning.ConnectTimeoutSeconds)
		}
		if cfg.Tuning.ReadIdleTimeoutSeconds > 0 {
			opts.ReadIdleTimeout = secondsToDuration(cfg.Tuning.ReadIdleTimeoutSeconds)
		}
		var err error
		repo, err = repository.NewHTTP(url, opts)
		if err != nil {
			return nil, err
		}
	} else {
		repo = repository.NewFile(strings.TrimPrefix(url, "file://"))
	}

	if cfg.Tuning.MetadataCachePath != "" {
		store, err := leveldb.New(cfg.Tuning.MetadataCachePath)
		if err != nil {
			log.Warnf("metadata cache unavailable: %v", err)
			return repo, nil
		}
		repo = repository.NewMetadataCache(repo, store)
	}
	return repo, nil
}

func newUpdater(cfg *config.Config, check bool) (*update.Updater, repository.Repository, error) {
	repo, err := openRepository(cfg)
	if err != nil {
		return nil, nil, err
	}
	ws := workspace.New(cfg.Workspace.Path)
	tracker := progress.NewTracker(logProgress, nil)
	opts := update.DefaultOptions()
	opts.Check = check
	if cfg.Tuning.BufferBytes > 0 {
		opts.BufferSize = cfg.Tuning.BufferBytes
	}
	return update.New(ws, repo, tracker, opts), repo, nil
}

// logProgress is the default observer: one log line per dispatch.
func logProgress(s progress.Snapshot) bool {
	log.Debugf("%s: packages %d/%d, files %d/%d, downloaded %d/%d bytes (%.0f B/s), applied %d/%d bytes (%.0f B/s), failed %d",
		s.Stage,
		s.Packages.Done, s.Packages.Total,
		s.AppliedFiles.Done, s.AppliedFiles.Total,
		s.DownloadedBytes.Done, s.DownloadedBytes.Total, s.DownloadRate,
		s.AppliedOutputBytes.Done, s.AppliedOutputBytes.Total, s.ApplyRate,
		s.FailedFiles)
	return true
}
