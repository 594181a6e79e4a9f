package mirror

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/transfer"
)

// Node is a file found by a walk.
type Node struct {
	// RelativePath keeps the casing seen on disk, with forward slashes.
	RelativePath string
	Entry        provider.Entry
}

// Tree maps the normalized, case-insensitive relative path of every file
// below a root to its node.
type Tree map[string]Node

func (t Tree) add(rel string, e provider.Entry) {
	t[transfer.NormalizeKey(rel)] = Node{RelativePath: transfer.NormalizeRemote(rel), Entry: e}
}

// Walker enumerates local and remote subtrees iteratively, without recursion,
// so deep trees cannot exhaust the stack. Directories are traversed but not
// recorded.
type Walker struct {
	local    provider.LocalLister
	remote   provider.RemoteLister
	pageSize int
}

// NewWalker creates a Walker. pageSize bounds each remote listing request; zero
// leaves it to the share.
func NewWalker(local provider.LocalLister, remote provider.RemoteLister, pageSize int) *Walker {
	return &Walker{local: local, remote: remote, pageSize: pageSize}
}

// Local walks root. A missing root yields an empty tree.
func (w *Walker) Local(ctx context.Context, root string) (Tree, error) {
	tree := Tree{}
	info, err := w.local.GetEntryDetails(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if info == nil {
		return tree, nil
	}
	if !info.IsDir {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	stack := []string{""}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := root
		if rel != "" {
			dir = filepath.Join(root, filepath.FromSlash(rel))
		}
		entries, err := w.local.ListDirectory(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}
		for _, e := range entries {
			entryRel := path.Join(rel, e.Name)
			if e.IsDir {
				stack = append(stack, entryRel)
				continue
			}
			tree.add(entryRel, e)
		}
	}
	return tree, nil
}

// Remote walks root page by page. A missing root directory yields an empty
// tree; a missing share is an error.
func (w *Walker) Remote(ctx context.Context, root transfer.RemotePath) (Tree, error) {
	tree := Tree{}
	stack := []string{""}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		dir := root.Join(rel)

		token := ""
		for {
			page, err := w.remote.ListDirectoryPage(ctx, dir, token, w.pageSize)
			if err != nil {
				if rel == "" && token == "" && provider.IsNotFound(err) && !provider.IsShareNotFound(err) {
					return tree, nil
				}
				return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
			}
			for _, e := range page.Entries {
				entryRel := path.Join(rel, e.Name)
				if e.IsDir {
					stack = append(stack, entryRel)
					continue
				}
				tree.add(entryRel, e)
			}
			if !page.HasMore {
				break
			}
			token = page.NextToken
		}
	}
	return tree, nil
}
