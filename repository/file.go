package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"drift/metadata"
)

// FileRepository reads a repository laid out in a local directory. It serves
// the same document tree as the HTTP client and honors byte ranges by
// seeking, which makes it the natural backend for tests and for
// repositories mounted from removable media.
type FileRepository struct {
	root string
}

var _ Repository = (*FileRepository)(nil)

func NewFile(root string) *FileRepository {
	return &FileRepository{root: filepath.Clean(root)}
}

func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.root, name))
	if err != nil {
		return nil, &NetworkError{Op: "read", Target: name, Retryable: false, Err: err}
	}
	return data, nil
}

func (r *FileRepository) CurrentVersion(ctx context.Context) (*metadata.Current, error) {
	body, err := r.read(metadata.CurrentName)
	if err != nil {
		return nil, err
	}
	return metadata.ParseCurrent(body)
}

func (r *FileRepository) Versions(ctx context.Context) (*metadata.Versions, error) {
	body, err := r.read(metadata.VersionsName)
	if err != nil {
		return nil, err
	}
	return metadata.ParseVersions(body)
}

func (r *FileRepository) Packages(ctx context.Context) (*metadata.Packages, error) {
	body, err := r.read(metadata.PackagesName)
	if err != nil {
		return nil, err
	}
	return metadata.ParsePackages(body)
}

func (r *FileRepository) PackageMetadata(ctx context.Context, pkg *metadata.Package) (*metadata.PackageMetadata, error) {
	name := pkg.MetadataName()
	body, err := r.read(name)
	if err != nil {
		return nil, err
	}
	return metadata.ParsePackageMetadata(name, body)
}

func (r *FileRepository) OpenPackage(ctx context.Context, dataName string, offset, length uint64) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(r.root, dataName))
	if err != nil {
		return nil, &NetworkError{Op: "open", Target: dataName, Retryable: false, Err: err}
	}
	if offset > 0 {
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return nil, &NetworkError{Op: "seek", Target: dataName, Retryable: false, Err: fmt.Errorf("seek to %d: %w", offset, err)}
		}
	}
	if length == 0 {
		return f, nil
	}
	return &limitedBody{Reader: io.LimitReader(f, int64(length)), closer: f}, nil
}
