package provider

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// LocalProvider lists and manipulates the local filesystem through afero so
// tests can run against an in-memory tree.
type LocalProvider struct {
	fs afero.Fs
}

var _ LocalLister = (*LocalProvider)(nil)

// NewLocalProvider creates a LocalProvider. A nil fs means the OS filesystem.
func NewLocalProvider(fsys afero.Fs) *LocalProvider {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &LocalProvider{fs: fsys}
}

// Fs exposes the underlying filesystem for byte I/O.
func (p *LocalProvider) Fs() afero.Fs {
	return p.fs
}

func (p *LocalProvider) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	infos, err := afero.ReadDir(p.fs, path)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, entryFromInfo(filepath.Join(path, info.Name()), info))
	}
	return entries, nil
}

func (p *LocalProvider) GetEntryDetails(ctx context.Context, fullPath string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	info, err := p.fs.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := entryFromInfo(fullPath, info)
	return &e, nil
}

// Delete removes a file, or a directory and everything below it.
func (p *LocalProvider) Delete(ctx context.Context, fullPath string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.fs.RemoveAll(fullPath)
}

// SetModTime applies a last-write time to a local file. Zero times are
// ignored.
func (p *LocalProvider) SetModTime(fullPath string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return p.fs.Chtimes(fullPath, time.Now(), t)
}

func entryFromInfo(fullPath string, info fs.FileInfo) Entry {
	e := Entry{
		Name:      info.Name(),
		FullPath:  fullPath,
		IsDir:     info.IsDir(),
		LastWrite: info.ModTime(),
	}
	if !e.IsDir {
		e.Length = info.Size()
	}
	return e
}
