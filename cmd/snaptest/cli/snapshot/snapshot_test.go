package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaptest/snaptest/cmd/snaptest/cli/history"
	"github.com/snaptest/snaptest/cmd/snaptest/cli/testutil"
)

func TestBuild_DirtyWorktree(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	testutil.WriteFile(t, dir, "README.md", "# test\nchanged\n")
	store, err := history.OpenAt(dir)
	require.NoError(t, err)

	snap, err := NewBuilder(store, Options{RunID: "run-1"}).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, c0, snap.Parent)
	assert.False(t, snap.IsEmpty)
	assert.NotEqual(t, snap.ParentTree, snap.Tree)
	assert.Equal(t, history.Stats{FilesChanged: 1, Additions: 1}, snap.Stats)
	assert.Equal(t, c0, testutil.HeadHash(t, dir), "head must not move")

	msg := testutil.Git(t, dir, "log", "-1", "--format=%B", snap.Commit.String())
	assert.True(t, strings.HasPrefix(msg, "snaptest: snapshot of "+snap.Branch()))
	assert.Contains(t, msg, "Snaptest-Run: run-1")
}

func TestBuild_CleanWorktreeIsEmpty(t *testing.T) {
	t.Parallel()
	dir, c0 := testutil.InitRepoWithCommit(t)
	store, err := history.OpenAt(dir)
	require.NoError(t, err)

	snap, err := NewBuilder(store, Options{}).Build(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.IsEmpty)
	assert.Equal(t, testutil.CommitTree(t, dir, c0), snap.Tree)
	assert.NotEqual(t, c0, snap.Commit, "a commit object is still written")
	assert.Equal(t, history.Stats{}, snap.Stats)
}

func TestBuild_EmptyRepository(t *testing.T) {
	t.Parallel()
	dir := testutil.InitRepo(t, t.TempDir())
	testutil.WriteFile(t, dir, "a.txt", "a\n")
	store, err := history.OpenAt(dir)
	require.NoError(t, err)

	_, err = NewBuilder(store, Options{}).Build(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)
	require.ErrorIs(t, err, history.ErrEmptyRepository)
}

type fakeStore struct {
	history.Store

	head       history.Head
	headErr    error
	trees      map[plumbing.Hash]plumbing.Hash
	writeTree  plumbing.Hash
	writeErr   error
	commitErr  error
	gofmtFiles []string
	calls      []string
}

func (f *fakeStore) FormatGofmt(context.Context) ([]string, error) {
	f.calls = append(f.calls, "gofmt")
	return f.gofmtFiles, nil
}

func (f *fakeStore) CurrentHead(context.Context) (history.Head, error) {
	f.calls = append(f.calls, "head")
	return f.head, f.headErr
}

func (f *fakeStore) TreeOf(_ context.Context, c plumbing.Hash) (plumbing.Hash, error) {
	return f.trees[c], nil
}

func (f *fakeStore) WriteTree(context.Context, plumbing.Hash) (plumbing.Hash, error) {
	f.calls = append(f.calls, "tree")
	return f.writeTree, f.writeErr
}

func (f *fakeStore) CreateCommit(context.Context, plumbing.Hash, plumbing.Hash, string) (plumbing.Hash, error) {
	f.calls = append(f.calls, "commit")
	return plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc"), f.commitErr
}

func (f *fakeStore) DiffStats(context.Context, plumbing.Hash, plumbing.Hash) (history.Stats, error) {
	return history.Stats{}, errors.New("stats unavailable")
}

func newFake() *fakeStore {
	c0 := plumbing.NewHash("0000000000000000000000000000000000000001")
	return &fakeStore{
		head:      history.Head{Ref: plumbing.NewBranchReferenceName("main"), Hash: c0},
		trees:     map[plumbing.Hash]plumbing.Hash{c0: plumbing.NewHash("00000000000000000000000000000000000000aa")},
		writeTree: plumbing.NewHash("00000000000000000000000000000000000000bb"),
	}
}

func TestBuild_GofmtRunsFirst(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.gofmtFiles = []string{"main.go"}

	snap, err := NewBuilder(f, Options{Gofmt: true}).Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"gofmt", "head", "tree", "commit"}, f.calls)
	assert.Equal(t, []string{"main.go"}, snap.Formatted)
	assert.Equal(t, "main", snap.Branch())
}

func TestBuild_StatsFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFake()

	snap, err := NewBuilder(f, Options{}).Build(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.IsEmpty)
	assert.Equal(t, history.Stats{}, snap.Stats)
}

func TestBuild_FailuresWrapPrecondition(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	tests := []struct {
		name   string
		mutate func(*fakeStore)
		step   string
	}{
		{"head", func(f *fakeStore) { f.headErr = boom }, "read head"},
		{"tree", func(f *fakeStore) { f.writeErr = boom }, "write tree"},
		{"commit", func(f *fakeStore) { f.commitErr = boom }, "create commit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFake()
			tt.mutate(f)

			_, err := NewBuilder(f, Options{}).Build(context.Background())
			require.ErrorIs(t, err, ErrPrecondition)
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.step)
		})
	}
}
