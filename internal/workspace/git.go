// internal/workspace/git.go
package workspace

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// snapshotPaths returns the workspace-relative paths a snapshot must carry
// and the current branch name. In a git repository that is every tracked
// file plus the dirty set (staged, modified, untracked): a clean tracked
// file still needs its content captured, or a later mutation of it could
// not be reverted. Ignored artifacts are skipped. Elsewhere it falls back
// to every file.
func snapshotPaths(root string) ([]string, string, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			paths, werr := walkAll(root)
			return paths, "", werr
		}
		return nil, "", err
	}

	branch := ""
	seen := make(map[string]bool)
	var paths []string

	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}

	// Tracked files from HEAD. An unborn branch has no tree yet; the
	// status pass below still picks everything up.
	if head, err := repo.Head(); err == nil {
		branch = head.Name().Short()
		if commit, err := repo.CommitObject(head.Hash()); err == nil {
			if tree, err := commit.Tree(); err == nil {
				tree.Files().ForEach(func(f *object.File) error {
					add(f.Name)
					return nil
				})
			}
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, branch, err
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, branch, err
	}

	for path, fileStatus := range status {
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}
		add(path)
	}
	return paths, branch, nil
}
