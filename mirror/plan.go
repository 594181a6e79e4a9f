// Package mirror computes and applies one-shot mirrors between a local
// directory and a directory in a share.
package mirror

import (
	"sort"
	"time"

	"github.com/franksops/sharesync/transfer"
)

// Action is what a plan item does to the destination.
type Action string

const (
	Create Action = "Create"
	Update Action = "Update"
	Delete Action = "Delete"
	Skip   Action = "Skip"
)

// Spec describes a mirror.
type Spec struct {
	// Direction Upload mirrors LocalRoot onto RemoteRoot; Download the
	// reverse.
	Direction  transfer.Direction  `json:"direction"`
	LocalRoot  string              `json:"local_root"`
	RemoteRoot transfer.RemotePath `json:"remote_root"`
	// IncludeDeletes marks destination-only files for deletion instead of
	// skipping them.
	IncludeDeletes bool `json:"include_deletes"`

	// Transfer tuning copied into every enqueued request.
	ChunkSize      int64 `json:"chunk_size,omitempty"`
	MaxConcurrency int   `json:"max_concurrency,omitempty"`
	MaxBytesPerSec int64 `json:"max_bytes_per_sec,omitempty"`
}

// Side is one side of a plan item.
type Side struct {
	// Path is the full local path, or the share-relative remote path.
	Path   string `json:"path"`
	Length int64  `json:"length"`
	// LastWrite is zero when unknown.
	LastWrite time.Time `json:"last_write,omitempty"`
}

// Item is the diff outcome for one relative path. At least one of Local and
// Remote is set.
type Item struct {
	Action Action `json:"action"`
	// RelativePath has the source's casing, or the destination's when only
	// the destination has the file.
	RelativePath string `json:"relative_path"`
	// DestinationPath is the relative path as cased on the destination. It is
	// empty when the destination does not have the file yet.
	DestinationPath string `json:"destination_path,omitempty"`
	Local           *Side  `json:"local,omitempty"`
	Remote          *Side  `json:"remote,omitempty"`
}

// destination is the relative path writes and deletes for it must target.
func (it Item) destination() string {
	if it.DestinationPath != "" {
		return it.DestinationPath
	}
	return it.RelativePath
}

// Plan is an ordered list of items plus per-action counts.
type Plan struct {
	Spec  Spec   `json:"spec"`
	Items []Item `json:"items"`

	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
	Skips   int `json:"skips"`
}

func newPlan(spec Spec, items []Item) *Plan {
	p := &Plan{Spec: spec, Items: items}
	for _, it := range items {
		switch it.Action {
		case Create:
			p.Creates++
		case Update:
			p.Updates++
		case Delete:
			p.Deletes++
		case Skip:
			p.Skips++
		}
	}
	return p
}

// Diff classifies the union of two trees. It is pure: the same trees always
// give the same items, ordered by normalized relative path.
func Diff(direction transfer.Direction, includeDeletes bool, local, remote Tree) []Item {
	source, dest := local, remote
	if direction == transfer.Download {
		source, dest = remote, local
	}

	keys := make([]string, 0, len(local)+len(remote))
	for k := range local {
		keys = append(keys, k)
	}
	for k := range remote {
		if _, ok := local[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		src, inSource := source[k]
		dst, inDest := dest[k]

		it := Item{}
		switch {
		case inSource && !inDest:
			it.Action = Create
			it.RelativePath = src.RelativePath
		case !inSource && inDest:
			it.Action = Skip
			if includeDeletes {
				it.Action = Delete
			}
			it.RelativePath = dst.RelativePath
			it.DestinationPath = dst.RelativePath
		default:
			it.Action = Skip
			if src.Entry.Length != dst.Entry.Length || src.Entry.LastWrite.After(dst.Entry.LastWrite) {
				it.Action = Update
			}
			it.RelativePath = src.RelativePath
			it.DestinationPath = dst.RelativePath
		}

		if n, ok := local[k]; ok {
			it.Local = sideOf(n)
		}
		if n, ok := remote[k]; ok {
			it.Remote = sideOf(n)
		}
		items = append(items, it)
	}
	return items
}

func sideOf(n Node) *Side {
	return &Side{Path: n.Entry.FullPath, Length: n.Entry.Length, LastWrite: n.Entry.LastWrite}
}
