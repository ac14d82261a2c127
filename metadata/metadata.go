// Package metadata defines the schema of the repository JSON documents:
// the current/versions/packages indices and the per-package operation lists.
// All documents carry a top-level schema version of "1".
package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const SchemaVersion = "1"

// MalformedError reports a repository document that violates the schema or
// one of its invariants. It is fatal for the run.
type MalformedError struct {
	Which  string
	Detail string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed repository %s: %s", e.Which, e.Detail)
}

// ByteCount is a non-negative byte size or offset. It is encoded in JSON as a
// decimal string so that multi-GB values survive generic 53-bit JSON readers.
type ByteCount uint64

func (b ByteCount) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(b), 10))
}

func (b *ByteCount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("not a non-negative decimal integer: %q", s)
	}
	*b = ByteCount(v)
	return nil
}

// Version describes one published revision.
type Version struct {
	Revision    string `json:"revision"`
	Description string `json:"description"`
}

// Package is an edge of the version graph: a transition from revision From to
// revision To. An empty From denotes a standalone package installable from an
// empty workspace.
type Package struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Size ByteCount `json:"size"`
}

func (p *Package) IsStandalone() bool {
	return p.From == ""
}

func (p *Package) name(suffix string) string {
	if p.From == "" {
		return "complete_" + p.To + suffix
	}
	return "patch" + p.From + "_" + p.To + suffix
}

// DataName is the repository file name of the package binary.
func (p *Package) DataName() string {
	return p.name("")
}

// MetadataName is the repository file name of the package operation list.
func (p *Package) MetadataName() string {
	return p.name(".metadata")
}

// Current is the repository `current` document, pointing at the active revision.
type Current struct {
	Version string  `json:"version"`
	Current Version `json:"current"`
}

const (
	CurrentName  = "current"
	VersionsName = "versions"
	PackagesName = "packages"
)

// Versions is the repository `versions` document.
type Versions struct {
	Version  string    `json:"version"`
	Versions []Version `json:"versions"`
}

// Packages is the repository `packages` document: the version graph edge list.
type Packages struct {
	Version  string    `json:"version"`
	Packages []Package `json:"packages"`
}

// PackageMetadata is a per-package document: the package descriptor plus its
// ordered operation list.
type PackageMetadata struct {
	Version    string
	Package    Package
	Operations []Operation
}

func (m *PackageMetadata) MarshalJSON() ([]byte, error) {
	ops := make([]operationEnvelope, len(m.Operations))
	for i, op := range m.Operations {
		ops[i] = operationEnvelope{Type: op.Kind(), Operation: op}
	}
	return json.Marshal(struct {
		Version    string              `json:"version"`
		Package    Package             `json:"package"`
		Operations []operationEnvelope `json:"operations"`
	}{m.Version, m.Package, ops})
}

func (m *PackageMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version    string            `json:"version"`
		Package    Package           `json:"package"`
		Operations []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ops := make([]Operation, 0, len(raw.Operations))
	for i, rawOp := range raw.Operations {
		op, err := unmarshalOperation(rawOp)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	m.Version = raw.Version
	m.Package = raw.Package
	m.Operations = ops
	return nil
}

// ParseCurrent decodes and validates the `current` document.
func ParseCurrent(data []byte) (*Current, error) {
	var c Current
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &MalformedError{Which: CurrentName, Detail: err.Error()}
	}
	if c.Version != SchemaVersion {
		return nil, &MalformedError{Which: CurrentName, Detail: "unsupported schema version " + c.Version}
	}
	if c.Current.Revision == "" {
		return nil, &MalformedError{Which: CurrentName, Detail: "empty current revision"}
	}
	return &c, nil
}

// ParseVersions decodes and validates the `versions` document.
func ParseVersions(data []byte) (*Versions, error) {
	var v Versions
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &MalformedError{Which: VersionsName, Detail: err.Error()}
	}
	if v.Version != SchemaVersion {
		return nil, &MalformedError{Which: VersionsName, Detail: "unsupported schema version " + v.Version}
	}
	return &v, nil
}

// ParsePackages decodes and validates the `packages` document.
func ParsePackages(data []byte) (*Packages, error) {
	var p Packages
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &MalformedError{Which: PackagesName, Detail: err.Error()}
	}
	if p.Version != SchemaVersion {
		return nil, &MalformedError{Which: PackagesName, Detail: "unsupported schema version " + p.Version}
	}
	for i := range p.Packages {
		if p.Packages[i].To == "" {
			return nil, &MalformedError{Which: PackagesName, Detail: fmt.Sprintf("package %d: empty to revision", i)}
		}
	}
	return &p, nil
}

// ParsePackageMetadata decodes a per-package document and enforces the data
// slice invariant: slices appear in strictly ascending offset order with no
// overlaps, so the package binary can be consumed as one forward stream.
func ParsePackageMetadata(name string, data []byte) (*PackageMetadata, error) {
	var m PackageMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &MalformedError{Which: name, Detail: err.Error()}
	}
	if m.Version != SchemaVersion {
		return nil, &MalformedError{Which: name, Detail: "unsupported schema version " + m.Version}
	}
	var pos ByteCount
	var havePos bool
	for i, op := range m.Operations {
		d, ok := op.(DataOperation)
		if !ok {
			continue
		}
		offset, size := d.DataRange()
		if havePos && offset < pos {
			return nil, &MalformedError{
				Which:  name,
				Detail: fmt.Sprintf("operation %d: data slice at offset %d overlaps or reorders previous slice ending at %d", i, offset, pos),
			}
		}
		pos = offset + size
		if pos < offset {
			return nil, &MalformedError{Which: name, Detail: fmt.Sprintf("operation %d: data slice overflows", i)}
		}
		havePos = true
	}
	return &m, nil
}

// ValidateAgreement rejects repositories where two packages leading to the
// same revision disagree on the final content of a path.
func ValidateAgreement(metas []*PackageMetadata) error {
	type finalState struct {
		sha1 string
		size ByteCount
	}
	seen := map[string]map[string]finalState{}
	for _, m := range metas {
		to := m.Package.To
		if seen[to] == nil {
			seen[to] = map[string]finalState{}
		}
		for _, op := range m.Operations {
			var f finalState
			var path string
			switch o := op.(type) {
			case *Add:
				path, f = o.Path, finalState{o.FinalSha1, o.FinalSize}
			case *Patch:
				path, f = o.Path, finalState{o.FinalSha1, o.FinalSize}
			case *Check:
				path, f = o.Path, finalState{o.LocalSha1, o.LocalSize}
			default:
				continue
			}
			if prev, ok := seen[to][path]; ok && prev != f {
				return &MalformedError{
					Which:  m.Package.MetadataName(),
					Detail: fmt.Sprintf("packages with to=%s disagree on final state of %s", to, path),
				}
			}
			seen[to][path] = f
		}
	}
	return nil
}
