// Package workspace manages the local directory tree kept in sync with the
// repository: the materialized user files, the hidden state file, staging
// files and the update lock.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"drift/integrity"
	"drift/metadata"
)

const (
	dotDir     = ".drift"
	stateFile  = "state.json"
	stagingExt = ".part"
	fileMode   = 0644
	exeMode    = 0755
	dirMode    = 0755
)

var ErrorUncleanPath = errors.New("path escapes the workspace")

// FilesystemError wraps a filesystem failure on a workspace path.
type FilesystemError struct {
	Path string
	Kind string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error (%s) on %s: %v", e.Kind, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IntegrityError reports content that does not match its expected hash or
// size. Stage is one of "data", "final", "local".
type IntegrityError struct {
	Path     string
	Stage    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure on %s (%s): expected %s, got %s", e.Path, e.Stage, e.Expected, e.Actual)
}

type Workspace struct {
	root string
	lock *fileLock
}

func New(root string) *Workspace {
	return &Workspace{root: filepath.Clean(root)}
}

func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) metaDir() string {
	return filepath.Join(w.root, dotDir)
}

// Init creates the workspace root and its hidden metadata directory.
func (w *Workspace) Init() error {
	if err := os.MkdirAll(w.metaDir(), dirMode); err != nil {
		return &FilesystemError{Path: w.metaDir(), Kind: "mkdir", Err: err}
	}
	return nil
}

// cleanRel validates a workspace-relative path from package metadata. The
// repository is untrusted input; nothing may escape the root.
func (w *Workspace) cleanRel(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", ErrorUncleanPath
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrorUncleanPath
	}
	return clean, nil
}

// FilePath resolves a workspace-relative path to an absolute one.
func (w *Workspace) FilePath(rel string) (string, error) {
	clean, err := w.cleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, clean), nil
}

// StagingPath is the sibling .part file holding in-progress bytes for rel.
func (w *Workspace) StagingPath(rel string) (string, error) {
	p, err := w.FilePath(rel)
	if err != nil {
		return "", err
	}
	return p + stagingExt, nil
}

// LoadState reads state.json. A missing file is a new workspace.
func (w *Workspace) LoadState() (*State, error) {
	data, err := os.ReadFile(filepath.Join(w.metaDir(), stateFile))
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, &FilesystemError{Path: stateFile, Kind: "read", Err: err}
	}
	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		log.Warnf("unreadable state file, treating workspace as new: %v", err)
		return NewState(), nil
	}
	if state.Version != metadata.SchemaVersion {
		log.Warnf("unsupported state schema %q, treating workspace as new", state.Version)
		return NewState(), nil
	}
	return state, nil
}

// SaveState writes state.json atomically: temp file, fsync, rename, fsync of
// the metadata directory.
func (w *Workspace) SaveState(state *State) error {
	if err := w.Init(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(w.metaDir(), stateFile)
	tmp := target + stagingExt
	if err := writeFileSync(tmp, data); err != nil {
		return &FilesystemError{Path: stateFile, Kind: "write", Err: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		return &FilesystemError{Path: stateFile, Kind: "rename", Err: err}
	}
	return syncDir(w.metaDir())
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// Directory fsync is best effort on platforms that refuse it.
	_ = d.Sync()
	return nil
}

// EnsureDir creates a directory inside the workspace. Idempotent.
func (w *Workspace) EnsureDir(rel string) error {
	p, err := w.FilePath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, dirMode); err != nil {
		return &FilesystemError{Path: rel, Kind: "mkdir", Err: err}
	}
	return nil
}

// RemoveFile deletes a regular file. Absence is acceptable.
func (w *Workspace) RemoveFile(rel string) error {
	p, err := w.FilePath(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return &FilesystemError{Path: rel, Kind: "rm", Err: err}
	}
	return nil
}

// RemoveDirIfEmpty removes a directory. A non-empty directory is a warning,
// not an error.
func (w *Workspace) RemoveDirIfEmpty(rel string) error {
	p, err := w.FilePath(rel)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	switch {
	case err == nil, os.IsNotExist(err):
		return nil
	case isNotEmpty(err):
		log.Warnf("rmdir %s: directory not empty, keeping it", rel)
		return nil
	default:
		return &FilesystemError{Path: rel, Kind: "rmdir", Err: err}
	}
}

func isNotEmpty(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err.Error() == "directory not empty"
	}
	return false
}

// OpenStaging opens the .part sibling of rel for writing, truncating any
// leftover from a previous attempt.
func (w *Workspace) OpenStaging(rel string) (*os.File, error) {
	p, err := w.StagingPath(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), dirMode); err != nil {
		return nil, &FilesystemError{Path: rel, Kind: "mkdir", Err: err}
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return nil, &FilesystemError{Path: rel, Kind: "open", Err: err}
	}
	return f, nil
}

// CommitStaging moves a fully verified staging file over the final path:
// fsync the staging file, rename, fsync the parent directory. The final path
// never holds partially written content.
func (w *Workspace) CommitStaging(f *os.File, rel string, exe bool) error {
	final, err := w.FilePath(rel)
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &FilesystemError{Path: rel, Kind: "fsync", Err: err}
	}
	if err := f.Close(); err != nil {
		return &FilesystemError{Path: rel, Kind: "close", Err: err}
	}
	staging := f.Name()
	if exe {
		if err := os.Chmod(staging, exeMode); err != nil {
			return &FilesystemError{Path: rel, Kind: "chmod", Err: err}
		}
	}
	if err := os.Rename(staging, final); err != nil {
		return &FilesystemError{Path: rel, Kind: "rename", Err: err}
	}
	return syncDir(filepath.Dir(final))
}

// DiscardStaging removes the .part sibling of rel if present.
func (w *Workspace) DiscardStaging(rel string) {
	p, err := w.StagingPath(rel)
	if err != nil {
		return
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove staging file %s: %v", p, err)
	}
}

// CheckFile verifies that a workspace file matches the expected size and
// hash. Returns an IntegrityError with stage "local" on mismatch.
func (w *Workspace) CheckFile(rel string, size metadata.ByteCount, sha1 string) error {
	p, err := w.FilePath(rel)
	if err != nil {
		return err
	}
	digest, n, err := integrity.HashFile(p)
	if err != nil {
		return &FilesystemError{Path: rel, Kind: "read", Err: err}
	}
	if n != uint64(size) {
		return &IntegrityError{
			Path:     rel,
			Stage:    "local",
			Expected: fmt.Sprintf("%d bytes", size),
			Actual:   fmt.Sprintf("%d bytes", n),
		}
	}
	if digest != sha1 {
		return &IntegrityError{Path: rel, Stage: "local", Expected: sha1, Actual: digest}
	}
	return nil
}

// OpenLocal opens a workspace file for reading, for use as a patch input.
func (w *Workspace) OpenLocal(rel string) (*os.File, error) {
	p, err := w.FilePath(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &FilesystemError{Path: rel, Kind: "open", Err: err}
	}
	return f, nil
}
