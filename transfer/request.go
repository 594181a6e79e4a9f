package transfer

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Direction is the way bytes flow for a transfer.
type Direction string

const (
	Upload   Direction = "Upload"
	Download Direction = "Download"
)

// ConflictPolicy decides what happens when the destination already exists.
type ConflictPolicy string

const (
	// ConflictOverwrite replaces the destination.
	ConflictOverwrite ConflictPolicy = "Overwrite"
	// ConflictSkip leaves an existing destination untouched.
	ConflictSkip ConflictPolicy = "Skip"
	// ConflictRename writes next to the destination under a new name. The
	// caller resolves the new name before enqueueing.
	ConflictRename ConflictPolicy = "Rename"
	// ConflictAsk must be turned into one of the above by the caller before
	// the job runs.
	ConflictAsk ConflictPolicy = "Ask"
)

// RemotePath addresses an object in a share.
type RemotePath struct {
	Account string `json:"account"`
	Share   string `json:"share"`
	Path    string `json:"path"`
}

// String renders the path as account/share/path.
func (r RemotePath) String() string {
	return r.Account + "/" + r.Share + "/" + strings.TrimPrefix(NormalizeRemote(r.Path), "/")
}

// Join returns a RemotePath for elem below r.
func (r RemotePath) Join(elem ...string) RemotePath {
	parts := append([]string{NormalizeRemote(r.Path)}, elem...)
	for i := range parts {
		parts[i] = strings.ReplaceAll(parts[i], "\\", "/")
	}
	r.Path = NormalizeRemote(path.Join(parts...))
	return r
}

// Request describes one transfer. It is treated as immutable once enqueued.
type Request struct {
	Direction      Direction      `json:"direction"`
	LocalPath      string         `json:"local_path"`
	Remote         RemotePath     `json:"remote"`
	IsDirectory    bool           `json:"is_directory,omitempty"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"`
	ChunkSize      int64          `json:"chunk_size,omitempty"`
	MaxBytesPerSec int64          `json:"max_bytes_per_sec,omitempty"`
	Conflict       ConflictPolicy `json:"conflict"`
	ConflictNote   string         `json:"conflict_note,omitempty"`
}

// Validate reports requests no executor could run.
func (r Request) Validate() error {
	switch r.Direction {
	case Upload, Download:
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	if r.LocalPath == "" {
		return errors.New("local path is required")
	}
	if r.Remote.Account == "" || r.Remote.Share == "" {
		return errors.New("remote account and share are required")
	}
	switch r.Conflict {
	case "", ConflictOverwrite, ConflictSkip, ConflictRename, ConflictAsk:
	default:
		return fmt.Errorf("unknown conflict policy %q", r.Conflict)
	}
	if r.ChunkSize < 0 || r.MaxConcurrency < 0 || r.MaxBytesPerSec < 0 {
		return errors.New("tuning values must not be negative")
	}
	return nil
}

// Identity is the dedup key of a request. Two requests with equal identities
// must never be active in the queue at the same time.
type Identity struct {
	Direction Direction
	Local     string
	Remote    string
}

// Identity returns the normalized, case-insensitive identity of r.
func (r Request) Identity() Identity {
	return Identity{
		Direction: r.Direction,
		Local:     strings.ToLower(NormalizeLocal(r.LocalPath)),
		Remote: strings.ToLower(r.Remote.Account + "/" + r.Remote.Share + "/" +
			strings.TrimPrefix(NormalizeRemote(r.Remote.Path), "/")),
	}
}

// NormalizeLocal cleans a local path and converts separators to forward
// slashes.
func NormalizeLocal(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(filepath.Clean(p), "\\", "/")
	return strings.TrimSuffix(p, "/")
}

// NormalizeRemote cleans a share-relative path. The root is "".
func NormalizeRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// NormalizeKey is the case-insensitive form used to match relative paths
// across the local and remote trees.
func NormalizeKey(rel string) string {
	return strings.ToLower(NormalizeRemote(rel))
}
