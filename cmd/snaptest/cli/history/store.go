// Package history is the local object and reference store used by snaptest.
//
// Objects (blobs, trees, commits) are written through go-git plumbing so that
// snapshots never touch the index or the working tree. Reference updates go
// through the git CLI, which handles packed refs, linked worktrees and the
// reflog the same way the developer's own git commands do.
package history

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/paths"
)

var (
	// ErrEmptyRepository is returned when HEAD does not point at a commit yet.
	ErrEmptyRepository = errors.New("repository has no commits")

	// ErrRefMoved is returned by AdvanceHead when the reference no longer
	// holds the expected value.
	ErrRefMoved = errors.New("reference moved")
)

// now is replaced in tests that need stable commit hashes.
var now = time.Now

// Head describes what HEAD currently resolves to.
type Head struct {
	// Ref is the reference that moves when a commit is made: the branch HEAD
	// points at, or HEAD itself when detached.
	Ref  plumbing.ReferenceName
	Hash plumbing.Hash
}

// Detached reports whether HEAD points directly at a commit.
func (h Head) Detached() bool {
	return h.Ref == plumbing.HEAD
}

// Branch returns the short branch name, or "HEAD" when detached.
func (h Head) Branch() string {
	if h.Detached() {
		return "HEAD"
	}
	return h.Ref.Short()
}

// Stats summarizes the difference between two trees.
type Stats struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// Store is the set of history operations the pipeline depends on.
type Store interface {
	// CurrentHead reads HEAD. Returns ErrEmptyRepository before the first commit.
	CurrentHead(ctx context.Context) (Head, error)
	// WriteTree records the working modification set on top of baseTree.
	WriteTree(ctx context.Context, baseTree plumbing.Hash) (plumbing.Hash, error)
	// CreateCommit writes a commit object. References are not touched.
	CreateCommit(ctx context.Context, tree, parent plumbing.Hash, message string) (plumbing.Hash, error)
	// TreeOf returns the tree of a commit.
	TreeOf(ctx context.Context, commit plumbing.Hash) (plumbing.Hash, error)
	// AdvanceHead moves ref from expectedOld to target atomically.
	// Returns ErrRefMoved if ref no longer equals expectedOld.
	AdvanceHead(ctx context.Context, ref plumbing.ReferenceName, expectedOld, target plumbing.Hash) error
	// FormatGofmt rewrites changed Go files with gofmt and returns the files it touched.
	FormatGofmt(ctx context.Context) ([]string, error)
	// DiffStats compares two trees line by line.
	DiffStats(ctx context.Context, from, to plumbing.Hash) (Stats, error)
}

// GitStore implements Store on a local git repository.
type GitStore struct {
	repo *git.Repository
	root string
}

var _ Store = (*GitStore)(nil)

// Open opens the repository containing the current directory.
// Linked worktrees are supported.
func Open() (*GitStore, error) {
	root, err := paths.RepoRoot()
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	return OpenAt(root)
}

// OpenAt opens the repository whose working tree is rooted at root.
func OpenAt(root string) (*GitStore, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return &GitStore{repo: repo, root: root}, nil
}

// Root returns the working tree root.
func (s *GitStore) Root() string {
	return s.root
}

// Repository exposes the underlying go-git repository.
func (s *GitStore) Repository() *git.Repository {
	return s.repo
}

func (s *GitStore) CurrentHead(_ context.Context) (Head, error) {
	ref, err := s.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return Head{}, fmt.Errorf("failed to read HEAD: %w", err)
	}

	if ref.Type() == plumbing.HashReference {
		return Head{Ref: plumbing.HEAD, Hash: ref.Hash()}, nil
	}

	target := ref.Target()
	resolved, err := s.repo.Reference(target, true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Head{}, fmt.Errorf("%w: %s has no commits", ErrEmptyRepository, target.Short())
		}
		return Head{}, fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	return Head{Ref: target, Hash: resolved.Hash()}, nil
}

func (s *GitStore) TreeOf(_ context.Context, commit plumbing.Hash) (plumbing.Hash, error) {
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read commit %s: %w", paths.ShortHash(commit.String()), err)
	}
	return c.TreeHash, nil
}

func (s *GitStore) CreateCommit(_ context.Context, tree, parent plumbing.Hash, message string) (plumbing.Hash, error) {
	name, email := s.author()
	sig := object.Signature{Name: name, Email: email, When: now()}

	commit := &object.Commit{
		TreeHash:  tree,
		Author:    sig,
		Committer: sig,
		Message:   message,
	}
	if parent != plumbing.ZeroHash {
		commit.ParentHashes = []plumbing.Hash{parent}
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to store commit: %w", err)
	}
	return hash, nil
}

// AdvanceHead runs `git update-ref <ref> <target> <expectedOld>`, which locks
// the ref and fails unless it still holds expectedOld. On success the index is
// refreshed to the new commit with a mixed reset; the working tree is left alone.
func (s *GitStore) AdvanceHead(ctx context.Context, ref plumbing.ReferenceName, expectedOld, target plumbing.Hash) error {
	args := []string{"update-ref", "-m", "snaptest: advance to tested snapshot"}
	if ref == plumbing.HEAD {
		args = append(args, "--no-deref")
	}
	args = append(args, ref.String(), target.String(), expectedOld.String())

	if out, err := s.git(ctx, args...); err != nil {
		current, readErr := s.repo.Reference(ref, true)
		if readErr == nil && current.Hash() != expectedOld {
			return fmt.Errorf("%w: %s is now %s", ErrRefMoved, ref.Short(), paths.ShortHash(current.Hash().String()))
		}
		return fmt.Errorf("update-ref failed: %s: %w", out, err)
	}

	if out, err := s.git(ctx, "reset", "--quiet"); err != nil {
		return fmt.Errorf("index refresh failed: %s: %w", out, err)
	}
	return nil
}

// git runs a git command in the working tree root and returns trimmed combined output.
func (s *GitStore) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.root
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err //nolint:wrapcheck // callers wrap with the git output
}

// author returns user.name and user.email, looking at repository config first
// and then the global config.
func (s *GitStore) author() (name, email string) {
	if cfg, err := s.repo.Config(); err == nil {
		name, email = cfg.User.Name, cfg.User.Email
	}
	if name == "" || email == "" {
		if cfg, err := s.repo.ConfigScoped(config.GlobalScope); err == nil {
			if name == "" {
				name = cfg.User.Name
			}
			if email == "" {
				email = cfg.User.Email
			}
		}
	}
	if name == "" {
		name = "Unknown"
	}
	if email == "" {
		email = "unknown@local"
	}
	return name, email
}
