package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/testutil"
)

func openStore(t *testing.T, dir string) *GitStore {
	t.Helper()
	s, err := OpenAt(dir)
	if err != nil {
		t.Fatalf("OpenAt() error = %v", err)
	}
	return s
}

func TestCurrentHead_Branch(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	s := openStore(t, dir)

	head, err := s.CurrentHead(context.Background())
	if err != nil {
		t.Fatalf("CurrentHead() error = %v", err)
	}
	if head.Hash != c0 {
		t.Errorf("Hash = %s, want %s", head.Hash, c0)
	}
	if head.Detached() {
		t.Error("expected attached HEAD")
	}
	if !head.Ref.IsBranch() {
		t.Errorf("Ref = %s, want a branch", head.Ref)
	}
}

func TestCurrentHead_Detached(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	testutil.Git(t, dir, "checkout", "-q", "--detach")
	s := openStore(t, dir)

	head, err := s.CurrentHead(context.Background())
	if err != nil {
		t.Fatalf("CurrentHead() error = %v", err)
	}
	if !head.Detached() || head.Ref != plumbing.HEAD {
		t.Errorf("Ref = %s, want HEAD", head.Ref)
	}
	if head.Branch() != "HEAD" {
		t.Errorf("Branch() = %q, want HEAD", head.Branch())
	}
	if head.Hash != c0 {
		t.Errorf("Hash = %s, want %s", head.Hash, c0)
	}
}

func TestCurrentHead_EmptyRepository(t *testing.T) {
	t.Parallel()
	dir := testutil.InitRepo(t, t.TempDir())
	s := openStore(t, dir)

	_, err := s.CurrentHead(context.Background())
	if !errors.Is(err, ErrEmptyRepository) {
		t.Fatalf("CurrentHead() error = %v, want ErrEmptyRepository", err)
	}
}

func TestWriteTree_CleanMatchesParent(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	s := openStore(t, dir)
	ctx := context.Background()

	base, err := s.TreeOf(ctx, c0)
	if err != nil {
		t.Fatalf("TreeOf() error = %v", err)
	}
	tree, err := s.WriteTree(ctx, base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	if tree != base {
		t.Errorf("clean worktree produced tree %s, want parent tree %s", tree, base)
	}
}

func TestWriteTree_CapturesModificationSet(t *testing.T) {
	t.Parallel()
	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "gone.txt", "bye\n")
	testutil.WriteFile(t, dir, "staged.txt", "v1\n")
	testutil.GitAdd(t, dir, "gone.txt", "staged.txt")
	c1 := testutil.GitCommit(t, dir, "second")

	testutil.WriteFile(t, dir, "README.md", "# changed\n")
	testutil.WriteFile(t, dir, "pkg/new.go", "package pkg\n")
	testutil.WriteFile(t, dir, "staged.txt", "v2\n")
	testutil.GitAdd(t, dir, "staged.txt")
	if err := os.Remove(filepath.Join(dir, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, dir, ".gitignore", "*.log\n")
	testutil.WriteFile(t, dir, "debug.log", "ignored\n")
	testutil.WriteFile(t, dir, ".snaptest/runs/x.json", "{}\n")

	s := openStore(t, dir)
	ctx := context.Background()
	base, err := s.TreeOf(ctx, c1)
	if err != nil {
		t.Fatalf("TreeOf() error = %v", err)
	}
	tree, err := s.WriteTree(ctx, base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	commit, err := s.CreateCommit(ctx, tree, c1, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}

	want := map[string]string{
		"README.md":  "# changed\n",
		"pkg/new.go": "package pkg\n",
		"staged.txt": "v2\n",
		".gitignore": "*.log\n",
	}
	for path, content := range want {
		got, ok := testutil.FileInCommit(t, dir, commit, path)
		if !ok {
			t.Errorf("%s missing from snapshot", path)
			continue
		}
		if got != content {
			t.Errorf("%s = %q, want %q", path, got, content)
		}
	}
	for _, path := range []string{"gone.txt", "debug.log", ".snaptest/runs/x.json"} {
		if _, ok := testutil.FileInCommit(t, dir, commit, path); ok {
			t.Errorf("%s should not be in snapshot", path)
		}
	}

	// The index and HEAD are untouched.
	if head := testutil.HeadHash(t, dir); head != c1 {
		t.Errorf("HEAD moved to %s", head)
	}
	if out := testutil.Git(t, dir, "diff", "--cached", "--name-only"); out != "staged.txt" {
		t.Errorf("index changed: staged = %q", out)
	}
}

func TestWriteTree_Symlink(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	if err := os.Symlink("README.md", filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	s := openStore(t, dir)
	ctx := context.Background()
	base, _ := s.TreeOf(ctx, c0)
	tree, err := s.WriteTree(ctx, base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	commit, err := s.CreateCommit(ctx, tree, c0, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	out := testutil.Git(t, dir, "ls-tree", commit.String(), "link")
	if len(out) < 6 || out[:6] != "120000" {
		t.Errorf("link entry = %q, want mode 120000", out)
	}
}

func TestCreateCommit_ParentAndAuthor(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	s := openStore(t, dir)
	ctx := context.Background()

	tree, _ := s.TreeOf(ctx, c0)
	commit, err := s.CreateCommit(ctx, tree, c0, "snaptest: snapshot of master\n")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}

	c, err := s.Repository().CommitObject(commit)
	if err != nil {
		t.Fatalf("CommitObject() error = %v", err)
	}
	if len(c.ParentHashes) != 1 || c.ParentHashes[0] != c0 {
		t.Errorf("parents = %v, want [%s]", c.ParentHashes, c0)
	}
	if c.Author.Name != "Test User" || c.Author.Email != "test@example.com" {
		t.Errorf("author = %s <%s>", c.Author.Name, c.Author.Email)
	}
	if c.TreeHash != tree {
		t.Errorf("tree = %s, want %s", c.TreeHash, tree)
	}
}

func TestAdvanceHead_MovesBranchAndRefreshesIndex(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "README.md", "# edited\n")
	s := openStore(t, dir)
	ctx := context.Background()

	base, _ := s.TreeOf(ctx, c0)
	tree, err := s.WriteTree(ctx, base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	c1, err := s.CreateCommit(ctx, tree, c0, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	head, _ := s.CurrentHead(ctx)

	if err := s.AdvanceHead(ctx, head.Ref, c0, c1); err != nil {
		t.Fatalf("AdvanceHead() error = %v", err)
	}
	if got := testutil.HeadHash(t, dir); got != c1 {
		t.Errorf("HEAD = %s, want %s", got, c1)
	}
	if out := testutil.Git(t, dir, "status", "--porcelain"); out != "" {
		t.Errorf("worktree should be clean after advance, got %q", out)
	}
	if got := testutil.ReadFile(t, dir, "README.md"); got != "# edited\n" {
		t.Errorf("working tree changed: %q", got)
	}
}

func TestAdvanceHead_RefMoved(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	s := openStore(t, dir)
	ctx := context.Background()

	tree, _ := s.TreeOf(ctx, c0)
	snap, err := s.CreateCommit(ctx, tree, c0, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	head, _ := s.CurrentHead(ctx)

	testutil.WriteFile(t, dir, "other.txt", "concurrent\n")
	testutil.GitAdd(t, dir, "other.txt")
	c2 := testutil.GitCommit(t, dir, "concurrent commit")

	err = s.AdvanceHead(ctx, head.Ref, c0, snap)
	if !errors.Is(err, ErrRefMoved) {
		t.Fatalf("AdvanceHead() error = %v, want ErrRefMoved", err)
	}
	if got := testutil.HeadHash(t, dir); got != c2 {
		t.Errorf("HEAD = %s, want concurrent commit %s", got, c2)
	}
}

func TestAdvanceHead_Detached(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	testutil.Git(t, dir, "checkout", "-q", "--detach")
	s := openStore(t, dir)
	ctx := context.Background()

	tree, _ := s.TreeOf(ctx, c0)
	snap, err := s.CreateCommit(ctx, tree, c0, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	if err := s.AdvanceHead(ctx, plumbing.HEAD, c0, snap); err != nil {
		t.Fatalf("AdvanceHead() error = %v", err)
	}
	if got := testutil.Git(t, dir, "rev-parse", "HEAD"); got != snap.String() {
		t.Errorf("HEAD = %s, want %s", got, snap)
	}
}

func TestDiffStats(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "README.md", "# test\nmore\nlines\n")
	testutil.WriteFile(t, dir, "new.txt", "a\nb\n")
	s := openStore(t, dir)
	ctx := context.Background()

	base, _ := s.TreeOf(ctx, c0)
	tree, err := s.WriteTree(ctx, base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}

	stats, err := s.DiffStats(ctx, base, tree)
	if err != nil {
		t.Fatalf("DiffStats() error = %v", err)
	}
	want := Stats{FilesChanged: 2, Additions: 4, Deletions: 0}
	if stats != want {
		t.Errorf("DiffStats() = %+v, want %+v", stats, want)
	}

	same, err := s.DiffStats(ctx, base, base)
	if err != nil || same != (Stats{}) {
		t.Errorf("DiffStats(same) = %+v, %v", same, err)
	}
}

func TestBlobText(t *testing.T) {
	t.Parallel()
	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "text.txt", "line one\nline two\n")
	testutil.WriteFile(t, dir, "data.bin", "ab\x00cd")
	testutil.GitAdd(t, dir, "text.txt", "data.bin")
	commit := testutil.GitCommit(t, dir, "add blobs")

	s := openStore(t, dir)
	c, err := s.repo.CommitObject(commit)
	if err != nil {
		t.Fatalf("CommitObject() error = %v", err)
	}
	blobHash := func(path string) plumbing.Hash {
		f, err := c.File(path)
		if err != nil {
			t.Fatalf("File(%s) error = %v", path, err)
		}
		return f.Hash
	}

	got, err := s.blobText(blobHash("text.txt"))
	if err != nil {
		t.Fatalf("blobText() error = %v", err)
	}
	if got != "line one\nline two\n" {
		t.Errorf("blobText(text.txt) = %q", got)
	}

	if got, err := s.blobText(blobHash("data.bin")); err != nil || got != "" {
		t.Errorf("blobText(data.bin) = %q, %v; want empty for binary", got, err)
	}
	if got, err := s.blobText(plumbing.ZeroHash); err != nil || got != "" {
		t.Errorf("blobText(zero) = %q, %v; want empty", got, err)
	}
}

func TestDiffLines(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		before, after string
		added, remove int
	}{
		{"identical", "a\n", "a\n", 0, 0},
		{"new file", "", "a\nb\n", 2, 0},
		{"deleted file", "a\nb\nc", "", 0, 3},
		{"one line changed", "a\nb\nc\n", "a\nB\nc\n", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			added, removed := diffLines(tt.before, tt.after)
			if added != tt.added || removed != tt.remove {
				t.Errorf("diffLines() = (+%d, -%d), want (+%d, -%d)", added, removed, tt.added, tt.remove)
			}
		})
	}
}

func TestFormatGofmt(t *testing.T) {
	t.Parallel()
	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "main.go", "package main\nfunc main(){}\n")
	testutil.WriteFile(t, dir, "notes.txt", "func  x\n")
	s := openStore(t, dir)

	rewritten, err := s.FormatGofmt(context.Background())
	if err != nil {
		t.Skipf("gofmt unavailable: %v", err)
	}
	if len(rewritten) != 1 || rewritten[0] != "main.go" {
		t.Errorf("FormatGofmt() = %v, want [main.go]", rewritten)
	}
	if got := testutil.ReadFile(t, dir, "main.go"); !strings.Contains(got, "func main() {}") {
		t.Errorf("main.go not formatted: %q", got)
	}
	if got := testutil.ReadFile(t, dir, "notes.txt"); got != "func  x\n" {
		t.Errorf("non-Go file changed: %q", got)
	}
}

// isolateGitConfig points HOME and XDG_CONFIG_HOME at empty temp dirs.
func isolateGitConfig(t *testing.T) (home, xdg string) {
	t.Helper()
	home, xdg = t.TempDir(), t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", xdg)
	return home, xdg
}

func assertSkipsIgnored(t *testing.T, dir string, ignored ...string) {
	t.Helper()

	s := openStore(t, dir)
	changed, err := s.ChangedPaths(context.Background())
	if err != nil {
		t.Fatalf("ChangedPaths() error = %v", err)
	}
	for _, path := range ignored {
		for _, c := range changed {
			if c == path {
				t.Errorf("ChangedPaths() = %v, should not contain %s", changed, path)
			}
		}
	}
	if len(changed) == 0 || changed[len(changed)-1] != "main.go" {
		t.Errorf("ChangedPaths() = %v, want main.go", changed)
	}

	head := testutil.HeadHash(t, dir)
	base, err := s.TreeOf(context.Background(), head)
	if err != nil {
		t.Fatalf("TreeOf() error = %v", err)
	}
	tree, err := s.WriteTree(context.Background(), base)
	if err != nil {
		t.Fatalf("WriteTree() error = %v", err)
	}
	commit, err := s.CreateCommit(context.Background(), tree, head, "snapshot")
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	for _, path := range ignored {
		if _, ok := testutil.FileInCommit(t, dir, commit, path); ok {
			t.Errorf("%s should not be in snapshot", path)
		}
	}
}

func TestChangedPaths_GlobalExcludesFile(t *testing.T) {
	home, _ := isolateGitConfig(t)
	excludes := filepath.Join(home, "global-ignore")
	if err := os.WriteFile(excludes, []byte("# editor files\n*.swp\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	gitconfig := "[core]\n\texcludesfile = " + excludes + "\n"
	if err := os.WriteFile(filepath.Join(home, ".gitconfig"), []byte(gitconfig), 0o600); err != nil {
		t.Fatal(err)
	}

	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "edit.swp", "swap\n")
	testutil.WriteFile(t, dir, "main.go", "package main\n")

	if out := testutil.Git(t, dir, "status", "--porcelain"); strings.Contains(out, "edit.swp") {
		t.Fatalf("git itself should ignore edit.swp, status = %q", out)
	}
	assertSkipsIgnored(t, dir, "edit.swp")
}

func TestChangedPaths_XDGIgnoreFile(t *testing.T) {
	_, xdg := isolateGitConfig(t)
	if err := os.MkdirAll(filepath.Join(xdg, "git"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(xdg, "git", "ignore"), []byte(".env\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, ".env", "TOKEN=x\n")
	testutil.WriteFile(t, dir, "main.go", "package main\n")

	assertSkipsIgnored(t, dir, ".env")
}

func TestChangedPaths_InfoExclude(t *testing.T) {
	isolateGitConfig(t)
	dir, _ := testutil.InitRepoWithCommit(t)
	infoDir := filepath.Join(dir, ".git", "info")
	if err := os.MkdirAll(infoDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(infoDir, "exclude"), []byte("scratch/\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, dir, "scratch/notes.txt", "todo\n")
	testutil.WriteFile(t, dir, "main.go", "package main\n")

	assertSkipsIgnored(t, dir, "scratch/notes.txt")
}

func TestChangedPaths_IgnoredButTrackedStillChanges(t *testing.T) {
	home, _ := isolateGitConfig(t)
	dir, _ := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "keep.swp", "v1\n")
	testutil.GitAdd(t, dir, "keep.swp")
	testutil.GitCommit(t, dir, "track a swap file")

	excludes := filepath.Join(home, "global-ignore")
	if err := os.WriteFile(excludes, []byte("*.swp\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	gitconfig := "[core]\n\texcludesfile = " + excludes + "\n"
	if err := os.WriteFile(filepath.Join(home, ".gitconfig"), []byte(gitconfig), 0o600); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, dir, "keep.swp", "v2\n")

	changed, err := openStore(t, dir).ChangedPaths(context.Background())
	if err != nil {
		t.Fatalf("ChangedPaths() error = %v", err)
	}
	if len(changed) != 1 || changed[0] != "keep.swp" {
		t.Errorf("ChangedPaths() = %v, want [keep.swp]", changed)
	}
}
