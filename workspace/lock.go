package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

const lockFile = "lock"

// LockedError means another update run owns the workspace.
type LockedError struct {
	Workspace string
	PID       int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("workspace %s is locked by pid %d", e.Workspace, e.PID)
}

type fileLock struct {
	path string
}

// Lock acquires the per-workspace update lock. A lock left by a dead process
// is detected by probing the recorded PID and broken.
func (w *Workspace) Lock() error {
	if err := w.Init(); err != nil {
		return err
	}
	path := filepath.Join(w.metaDir(), lockFile)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			w.lock = &fileLock{path: path}
			return nil
		}
		if !os.IsExist(err) {
			return &FilesystemError{Path: lockFile, Kind: "open", Err: err}
		}
		pid, alive := lockOwner(path)
		if alive {
			return &LockedError{Workspace: w.root, PID: pid}
		}
		log.Warnf("breaking stale lock left by pid %d", pid)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &FilesystemError{Path: lockFile, Kind: "rm", Err: err}
		}
	}
	return &LockedError{Workspace: w.root}
}

// Unlock releases the lock. Safe to call on all exit paths.
func (w *Workspace) Unlock() {
	if w.lock == nil {
		return
	}
	if err := os.Remove(w.lock.path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove lock file: %v", err)
	}
	w.lock = nil
}

func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 probes for liveness without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil
}
