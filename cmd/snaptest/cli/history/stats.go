package history

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxDiffBlobSize bounds the blobs that are diffed line by line. Larger
// files count as changed without line stats.
const maxDiffBlobSize = 1 << 20

func (s *GitStore) DiffStats(ctx context.Context, from, to plumbing.Hash) (Stats, error) {
	if from == to {
		return Stats{}, nil
	}

	fromTree, err := s.treeOrEmpty(from)
	if err != nil {
		return Stats{}, err
	}
	toTree, err := s.treeOrEmpty(to)
	if err != nil {
		return Stats{}, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to diff trees: %w", err)
	}

	var stats Stats
	for _, change := range changes {
		stats.FilesChanged++

		before, err := s.blobText(change.From.TreeEntry.Hash)
		if err != nil {
			return Stats{}, err
		}
		after, err := s.blobText(change.To.TreeEntry.Hash)
		if err != nil {
			return Stats{}, err
		}
		added, removed := diffLines(before, after)
		stats.Additions += added
		stats.Deletions += removed
	}
	return stats, nil
}

func (s *GitStore) treeOrEmpty(hash plumbing.Hash) (*object.Tree, error) {
	if hash == plumbing.ZeroHash {
		return &object.Tree{}, nil
	}
	tree, err := s.repo.TreeObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", hash, err)
	}
	return tree, nil
}

// blobText returns a blob's content, or "" for the zero hash, large blobs and
// binary content.
func (s *GitStore) blobText(hash plumbing.Hash) (string, error) {
	if hash == plumbing.ZeroHash {
		return "", nil
	}
	blob, err := s.repo.BlobObject(hash)
	if err != nil {
		return "", fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	if blob.Size > maxDiffBlobSize {
		return "", nil
	}
	r, err := blob.Reader()
	if err != nil {
		return "", fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	defer r.Close()

	var b bytes.Buffer
	if _, err := b.ReadFrom(r); err != nil {
		return "", fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	content := b.String()
	if strings.IndexByte(content, 0) >= 0 {
		return "", nil
	}
	return content, nil
}

// diffLines returns the number of added and removed lines between two texts.
func diffLines(before, after string) (added, removed int) {
	if before == after {
		return 0, 0
	}
	if before == "" {
		return countLines(after), 0
	}
	if after == "" {
		return 0, countLines(before)
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(text1, text2, false), lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += countLines(d.Text)
		case diffmatchpatch.DiffEqual:
		}
	}
	return added, removed
}

// countLines counts lines, treating a final line without a newline as a line.
func countLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
