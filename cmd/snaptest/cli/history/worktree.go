package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/logging"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
)

// ChangedPaths returns the repo-relative paths that differ between the
// working tree and HEAD: modified, staged, deleted and untracked files that
// are not ignored. Paths under .snaptest/ are never reported. The result is sorted.
func (s *GitStore) ChangedPaths(_ context.Context) ([]string, error) {
	worktree, err := s.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	excludes, err := excludePatterns()
	if err != nil {
		return nil, err
	}
	worktree.Excludes = append(worktree.Excludes, excludes...)

	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var changed []string
	for file, st := range status {
		if paths.IsInfrastructurePath(file) {
			continue
		}
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		changed = append(changed, file)
		// A rename reports the new path; the old one must disappear as well.
		if st.Extra != "" && !paths.IsInfrastructurePath(st.Extra) {
			changed = append(changed, st.Extra)
		}
	}
	slices.Sort(changed)
	return slices.Compact(changed), nil
}

// excludePatterns returns the ignore patterns git reads outside the
// repository: core.excludesFile from /etc/gitconfig and ~/.gitconfig, or the
// XDG default ignore file when ~/.gitconfig names none. go-git reads
// .gitignore files and .git/info/exclude itself.
func excludePatterns() ([]gitignore.Pattern, error) {
	system, err := gitignore.LoadSystemPatterns(osfs.New("/"))
	if err != nil {
		return nil, fmt.Errorf("failed to load system excludes: %w", err)
	}
	global, err := gitignore.LoadGlobalPatterns(osfs.New("/"))
	if err != nil {
		return nil, fmt.Errorf("failed to load global excludes: %w", err)
	}
	if len(global) == 0 {
		if global, err = readPatternFile(xdgIgnoreFile()); err != nil {
			return nil, fmt.Errorf("failed to load global excludes: %w", err)
		}
	}
	return append(system, global...), nil
}

// xdgIgnoreFile is git's default core.excludesFile, "" when no home is known.
func xdgIgnoreFile() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "git", "ignore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "git", "ignore")
}

// readPatternFile parses a gitignore-style file. A missing file has no patterns.
func readPatternFile(path string) ([]gitignore.Pattern, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is the user's own git config location
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err //nolint:wrapcheck // wrapped by the caller
	}
	var ps []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		ps = append(ps, gitignore.ParsePattern(line, nil))
	}
	return ps, nil
}

// WriteTree builds a tree equal to baseTree with every changed path replaced
// by its working-tree content, or removed if it no longer exists on disk.
// Only objects are written; the index is not read or modified.
func (s *GitStore) WriteTree(ctx context.Context, baseTree plumbing.Hash) (plumbing.Hash, error) {
	changed, err := s.ChangedPaths(ctx)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	entries := make(map[string]object.TreeEntry)
	if baseTree != plumbing.ZeroHash {
		tree, err := s.repo.TreeObject(baseTree)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to get base tree: %w", err)
		}
		if err := FlattenTree(s.repo, tree, "", entries); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to flatten base tree: %w", err)
		}
	}

	for _, file := range changed {
		abs := filepath.Join(s.root, filepath.FromSlash(file))
		info, err := os.Lstat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			delete(entries, file)
			continue
		}
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to stat %s: %w", file, err)
		}
		if info.IsDir() {
			// Nested repositories show up as directories; they stay as recorded.
			continue
		}

		hash, mode, err := createBlobFromFile(s.repo, abs, info)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to record %s: %w", file, err)
		}
		entries[file] = object.TreeEntry{Name: file, Mode: mode, Hash: hash}
	}

	treeHash, err := BuildTreeFromEntries(s.repo, entries)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	logging.Debug(ctx, "wrote snapshot tree")
	return treeHash, nil
}

// FormatGofmt runs gofmt -l -w over the changed .go files that still exist
// and returns the ones gofmt rewrote.
func (s *GitStore) FormatGofmt(ctx context.Context) ([]string, error) {
	changed, err := s.ChangedPaths(ctx)
	if err != nil {
		return nil, err
	}

	var goFiles []string
	for _, file := range changed {
		if !strings.HasSuffix(file, ".go") {
			continue
		}
		info, err := os.Lstat(filepath.Join(s.root, filepath.FromSlash(file)))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		goFiles = append(goFiles, file)
	}
	if len(goFiles) == 0 {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, "gofmt", append([]string{"-l", "-w"}, goFiles...)...) //nolint:gosec // paths come from git status
	cmd.Dir = s.root
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gofmt failed: %s: %w", strings.TrimSpace(string(output)), err)
	}

	var rewritten []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			rewritten = append(rewritten, filepath.ToSlash(line))
		}
	}
	return rewritten, nil
}

// FlattenTree recursively flattens a tree into a map of full paths to entries.
func FlattenTree(repo *git.Repository, tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = prefix + "/" + entry.Name
		}

		if entry.Mode != filemode.Dir {
			entries[fullPath] = object.TreeEntry{Name: fullPath, Mode: entry.Mode, Hash: entry.Hash}
			continue
		}

		subtree, err := repo.TreeObject(entry.Hash)
		if err != nil {
			return fmt.Errorf("failed to get subtree %s: %w", fullPath, err)
		}
		if err := FlattenTree(repo, subtree, fullPath, entries); err != nil {
			return err
		}
	}
	return nil
}

// createBlobFromFile stores the content of a regular file or the target of a
// symlink as a blob.
func createBlobFromFile(repo *git.Repository, filePath string, info fs.FileInfo) (plumbing.Hash, filemode.FileMode, error) {
	var (
		mode    filemode.FileMode
		content []byte
		err     error
	)
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		mode = filemode.Symlink
		var target string
		target, err = os.Readlink(filePath)
		content = []byte(filepath.ToSlash(target))
	case info.Mode()&0o111 != 0:
		mode = filemode.Executable
		content, err = os.ReadFile(filePath) //nolint:gosec // path comes from git status
	default:
		mode = filemode.Regular
		content, err = os.ReadFile(filePath) //nolint:gosec // path comes from git status
	}
	if err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to read file: %w", err)
	}

	obj := repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	writer, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to get object writer: %w", err)
	}
	if _, err := writer.Write(content); err != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to write blob content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to close blob writer: %w", err)
	}

	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("failed to store blob object: %w", err)
	}
	return hash, mode, nil
}

type treeNode struct {
	dirs  map[string]*treeNode
	files []object.TreeEntry
}

func newTreeNode() *treeNode {
	return &treeNode{dirs: make(map[string]*treeNode)}
}

// BuildTreeFromEntries writes the tree objects for a flattened path map and
// returns the root tree hash. An empty map produces the empty tree.
func BuildTreeFromEntries(repo *git.Repository, entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for fullPath, entry := range entries {
		insertIntoTree(root, strings.Split(fullPath, "/"), entry)
	}
	return buildTreeObject(repo, root)
}

func insertIntoTree(node *treeNode, parts []string, entry object.TreeEntry) {
	if len(parts) == 1 {
		node.files = append(node.files, object.TreeEntry{Name: parts[0], Mode: entry.Mode, Hash: entry.Hash})
		return
	}
	child := node.dirs[parts[0]]
	if child == nil {
		child = newTreeNode()
		node.dirs[parts[0]] = child
	}
	insertIntoTree(child, parts[1:], entry)
}

func buildTreeObject(repo *git.Repository, node *treeNode) (plumbing.Hash, error) {
	treeEntries := slices.Clone(node.files)
	for name, child := range node.dirs {
		subHash, err := buildTreeObject(repo, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		treeEntries = append(treeEntries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash})
	}
	sortTreeEntries(treeEntries)

	tree := &object.Tree{Entries: treeEntries}
	obj := repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode tree: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store tree: %w", err)
	}
	return hash, nil
}

// sortTreeEntries sorts entries in git order, where directories compare as
// if their name had a trailing slash.
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	slices.SortFunc(entries, func(a, b object.TreeEntry) int {
		return strings.Compare(key(a), key(b))
	})
}
