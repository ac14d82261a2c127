package workspace

import (
	"sort"

	"drift/metadata"
)

// Status of a workspace, mirrored in state.json.
type Status string

const (
	// StatusNew is an empty workspace with no installed revision.
	StatusNew Status = "new"
	// StatusStable means every file of Revision passed its check when last
	// verified.
	StatusStable Status = "stable"
	// StatusCorrupted is a stable revision with known bad files awaiting
	// repair.
	StatusCorrupted Status = "corrupted"
	// StatusUpdating means an update is in progress; the Update block is the
	// single source of truth for resumption.
	StatusUpdating Status = "updating"
)

// Position is a cursor inside a planned update: which package, which
// operation inside it, and, for the download position, the absolute byte
// offset reached in the package binary.
type Position struct {
	Package   int                `json:"package"`
	Operation int                `json:"operation"`
	Byte      metadata.ByteCount `json:"byte"`
}

// Less orders positions within one package sequence.
func (p Position) Less(other Position) bool {
	if p.Package != other.Package {
		return p.Package < other.Package
	}
	if p.Operation != other.Operation {
		return p.Operation < other.Operation
	}
	return p.Byte < other.Byte
}

// Failure records one path that failed integrity checking, along with the
// content it should have had. Recovery uses the expected hash to locate an
// alternative package carrying the same bytes.
type Failure struct {
	Path  string             `json:"path"`
	Sha1  string             `json:"sha1,omitempty"`
	Size  metadata.ByteCount `json:"size,omitempty"`
	Stage string             `json:"stage,omitempty"`
}

// Update is the in-progress block of state.json.
type Update struct {
	From             string             `json:"from"`
	Goal             string             `json:"goal"`
	Packages         []metadata.Package `json:"packages"`
	Downloaded       Position           `json:"downloaded"`
	Applied          Position           `json:"applied"`
	Failures         []Failure          `json:"failures,omitempty"`
	PreviousFailures []Failure          `json:"previousFailures,omitempty"`
}

// State is the persistent workspace state, stored as state.json inside the
// hidden metadata directory.
type State struct {
	Version  string  `json:"version"`
	Status   Status  `json:"status"`
	Revision string  `json:"revision,omitempty"`
	// Failures lists the known bad files of a corrupted workspace.
	Failures []Failure `json:"failures,omitempty"`
	Update   *Update   `json:"update,omitempty"`
}

func NewState() *State {
	return &State{Version: metadata.SchemaVersion, Status: StatusNew}
}

// DedupFailures folds previous failures into the current list, sorted by path
// with duplicates removed. Called when a resumed update inherits failures from
// an interrupted run.
func (u *Update) DedupFailures() {
	u.Failures = append(u.Failures, u.PreviousFailures...)
	u.PreviousFailures = nil
	sort.Slice(u.Failures, func(i, j int) bool { return u.Failures[i].Path < u.Failures[j].Path })
	deduped := u.Failures[:0]
	for i, f := range u.Failures {
		if i == 0 || f.Path != u.Failures[i-1].Path {
			deduped = append(deduped, f)
		}
	}
	u.Failures = deduped
}
