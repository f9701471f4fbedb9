// Package gitwalk extracts the changed-file set from git history.
//
// A walk visits each configured branch newest-first up to the depth
// bound and diffs every commit against its first parent. The result is
// one record per path: the most recent state of each file touched
// inside the walked window, across all branches. When branches disagree
// on a path, the record from the newer commit wins; on equal commit
// times the branch walked last wins.
package gitwalk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/ignore"
)

// ErrRepository indicates the repository itself is unreadable: missing,
// not a git repository, or corrupt. The run for that repository fails;
// other repositories are unaffected.
var ErrRepository = errors.New("repository error")

// ChangeKind classifies one file change.
type ChangeKind int

const (
	KindAdded ChangeKind = iota
	KindModified
	KindDeleted
	KindRenamed
)

func (k ChangeKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeRecord is the most recent observed state of one path.
type ChangeRecord struct {
	// Path is relative to the root repository, using forward slashes.
	// Submodule files are prefixed with the submodule path.
	Path string

	// Hash is the git blob hash of the file content. Empty for deletes.
	Hash string

	Kind   ChangeKind
	Branch string

	// PreviousPath is the path a renamed file moved from. Set only for
	// KindRenamed.
	PreviousPath string

	// Submodule is the submodule path this record came from, or empty.
	Submodule string

	// Content is the blob content for added and modified files.
	Content []byte

	// commitTime orders records during cross-branch merging.
	commitTime time.Time
	// seq breaks commit-time ties: higher means walked later.
	seq int
}

// Spec describes one walk.
type Spec struct {
	Path              string
	Branches          []string
	Depth             int
	IncludeSubmodules bool
	Ignore            *ignore.Matcher
}

// RepositoryID derives a stable identifier for a repository path, used
// to key fingerprints and leases.
func RepositoryID(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// Walker walks repositories.
type Walker struct {
	logger *zap.Logger
}

// NewWalker creates a walker.
func NewWalker(logger *zap.Logger) *Walker {
	return &Walker{logger: logger.Named("gitwalk")}
}

// Heads resolves the current commit hash of each configured branch.
// Missing branches are omitted. The result lets callers skip a walk
// when no branch has moved since the last run.
func (w *Walker) Heads(spec Spec) (map[string]string, error) {
	repo, err := git.PlainOpen(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrRepository, spec.Path, err)
	}

	heads := make(map[string]string, len(spec.Branches))
	for _, branch := range spec.Branches {
		hash, err := w.resolveBranch(repo, branch)
		if err != nil {
			continue
		}
		heads[branch] = hash.String()
	}
	return heads, nil
}

// Walk returns one record per changed path within the walked window,
// sorted by path. The stable order keeps downstream batch planning
// reproducible across runs.
func (w *Walker) Walk(ctx context.Context, spec Spec) ([]ChangeRecord, error) {
	if spec.Ignore == nil {
		spec.Ignore = ignore.NewMatcher(nil)
	}

	merged := make(map[string]ChangeRecord)
	seq := 0
	if err := w.walkRepo(ctx, spec, "", merged, &seq); err != nil {
		return nil, err
	}

	records := make([]ChangeRecord, 0, len(merged))
	for _, r := range merged {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

// walkRepo walks one repository (the root or a submodule) and merges
// records into out. prefix is the submodule path, empty for the root.
func (w *Walker) walkRepo(ctx context.Context, spec Spec, prefix string, out map[string]ChangeRecord, seq *int) error {
	repo, err := git.PlainOpen(spec.Path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrRepository, spec.Path, err)
	}

	submodules := make(map[string]bool)
	for _, branch := range spec.Branches {
		head, err := w.resolveBranch(repo, branch)
		if err != nil {
			// A missing branch is common (e.g. "main" on a "master"
			// repository); it is skipped, not fatal.
			w.logger.Debug("branch not found",
				zap.String("repo", spec.Path),
				zap.String("branch", branch))
			continue
		}

		if err := w.walkBranch(ctx, repo, spec, prefix, branch, head, out, seq, submodules); err != nil {
			return err
		}
	}

	if spec.IncludeSubmodules {
		if err := w.walkSubmodules(ctx, spec, prefix, submodules, out, seq); err != nil {
			return err
		}
	}
	return nil
}

// resolveBranch turns a configured branch name into a commit hash.
// "HEAD" resolves to whatever HEAD points at.
func (w *Walker) resolveBranch(repo *git.Repository, branch string) (plumbing.Hash, error) {
	if branch == "HEAD" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// walkBranch visits up to spec.Depth commits newest-first. The first
// time a path is seen on a branch is its newest state on that branch.
func (w *Walker) walkBranch(
	ctx context.Context,
	repo *git.Repository,
	spec Spec,
	prefix, branch string,
	head plumbing.Hash,
	out map[string]ChangeRecord,
	seq *int,
	submodules map[string]bool,
) error {
	iter, err := repo.Log(&git.LogOptions{From: head})
	if err != nil {
		return fmt.Errorf("%w: reading log of %s: %v", ErrRepository, spec.Path, err)
	}
	defer iter.Close()

	seen := make(map[string]bool)
	visited := 0
	for visited < spec.Depth {
		if err := ctx.Err(); err != nil {
			return err
		}
		commit, err := iter.Next()
		if err != nil {
			break // history exhausted
		}
		visited++

		changes, err := commitChanges(ctx, commit)
		if err != nil {
			return fmt.Errorf("%w: diffing commit %s: %v", ErrRepository, commit.Hash, err)
		}

		for _, change := range changes {
			record, err := w.recordChange(repo, commit, change, spec, prefix, branch, seen, submodules)
			if err != nil {
				return err
			}
			if record == nil {
				continue
			}

			*seq++
			record.seq = *seq
			mergeRecord(out, *record)
		}
	}
	return nil
}

// recordChange converts one tree change into a record, or nil when the
// path is ignored, already seen on this branch, or is a submodule
// pointer. Seen paths are marked before any blob is read, so a path
// touched by many commits costs one blob read.
func (w *Walker) recordChange(
	repo *git.Repository,
	commit *object.Commit,
	change *object.Change,
	spec Spec,
	prefix, branch string,
	seen map[string]bool,
	submodules map[string]bool,
) (*ChangeRecord, error) {
	action, err := change.Action()
	if err != nil {
		return nil, fmt.Errorf("%w: classifying change: %v", ErrRepository, err)
	}

	name := change.To.Name
	kind := KindModified
	previous := ""
	switch action {
	case merkletrie.Insert:
		kind = KindAdded
	case merkletrie.Delete:
		kind = KindDeleted
		name = change.From.Name
	case merkletrie.Modify:
		// Rename detection pairs the old and new entries into a single
		// modify change whose names differ.
		if change.From.Name != "" && change.From.Name != change.To.Name {
			kind = KindRenamed
			previous = change.From.Name
		}
	}

	// Submodule pointers surface as gitlink entries; remember them for
	// recursion and never index the pointer itself.
	if kind != KindDeleted && change.To.TreeEntry.Mode == submoduleMode {
		submodules[name] = true
		return nil, nil
	}

	fullPath := name
	if prefix != "" {
		fullPath = path.Join(prefix, name)
	}
	if spec.Ignore.Match(fullPath) || seen[fullPath] {
		return nil, nil
	}
	seen[fullPath] = true

	record := ChangeRecord{
		Path:       fullPath,
		Kind:       kind,
		Branch:     branch,
		Submodule:  prefix,
		commitTime: commit.Committer.When,
	}

	if previous != "" {
		prevPath := previous
		if prefix != "" {
			prevPath = path.Join(prefix, previous)
		}
		record.PreviousPath = prevPath
		// Older commits touching the pre-rename path are stale.
		seen[prevPath] = true
	}

	if kind != KindDeleted {
		record.Hash = change.To.TreeEntry.Hash.String()
		blob, err := repo.BlobObject(change.To.TreeEntry.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: reading blob for %s: %v", ErrRepository, fullPath, err)
		}
		record.Content, err = readBlob(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: reading blob for %s: %v", ErrRepository, fullPath, err)
		}
	}
	return &record, nil
}

// walkSubmodules recurses into each discovered submodule with the same
// policy, reading from its checked-out working directory.
func (w *Walker) walkSubmodules(
	ctx context.Context,
	spec Spec,
	prefix string,
	submodules map[string]bool,
	out map[string]ChangeRecord,
	seq *int,
) error {
	for subPath := range submodules {
		subPrefix := subPath
		if prefix != "" {
			subPrefix = path.Join(prefix, subPath)
		}

		subSpec := spec
		subSpec.Path = filepath.Join(spec.Path, filepath.FromSlash(subPath))
		err := w.walkRepo(ctx, subSpec, subPrefix, out, seq)
		if err != nil {
			// An unavailable submodule (not initialized) is skipped.
			if errors.Is(err, ErrRepository) {
				w.logger.Warn("skipping unreadable submodule",
					zap.String("submodule", subPrefix),
					zap.Error(err))
				continue
			}
			return err
		}
	}
	return nil
}

// submoduleMode is git's gitlink file mode (160000 octal).
const submoduleMode = 0160000

// mergeRecord keeps the newer record for a path; equal commit times are
// won by the record walked later.
func mergeRecord(out map[string]ChangeRecord, r ChangeRecord) {
	existing, ok := out[r.Path]
	if !ok {
		out[r.Path] = r
		return
	}
	if r.commitTime.After(existing.commitTime) ||
		(r.commitTime.Equal(existing.commitTime) && r.seq > existing.seq) {
		out[r.Path] = r
	}
}

// commitChanges diffs a commit against its first parent with rename
// detection, so a moved file surfaces as one change rather than a
// delete and an insert. Root commits diff against the empty tree, so
// every file is an insert.
func commitChanges(ctx context.Context, commit *object.Commit) (object.Changes, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, err
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, err
		}
	}
	return object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
}

func readBlob(blob *object.Blob) ([]byte, error) {
	reader, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
