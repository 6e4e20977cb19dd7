package repository

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ErrStopWalk can be returned by a visit func to stop the walk early
// without an error
var ErrStopWalk = errors.New("stop walk")

// number of extra commits to process after only uninteresting commits are
// left in the queue. it protects against commits with skewed clocks.
const walkSlop = 5

// FileSet is a de-duplicated set of repo relative file paths
type FileSet map[string]struct{}

// Add adds path to the set
func (s FileSet) Add(path string) {
	s[path] = struct{}{}
}

// Has returns true if path is in the set
func (s FileSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}

// Sorted returns paths of the set in sorted order
func (s FileSet) Sorted() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

type DeltaStatus string

const (
	DeltaAdded    DeltaStatus = "added"
	DeltaModified DeltaStatus = "modified"
	DeltaDeleted  DeltaStatus = "deleted"
)

// Delta represents a file level change between a commit and one of its
// parents. for deleted files NewPath is same as OldPath.
type Delta struct {
	Status  DeltaStatus
	OldPath string
	NewPath string
}

// walkNode is a commit discovered during the walk
type walkNode struct {
	commit        *object.Commit
	parents       []*walkNode // set once node is expanded
	expanded      bool
	queued        bool
	uninteresting bool
}

// newer returns true if a should be visited before b
func newer(a, b *walkNode) bool {
	at, bt := a.commit.Committer.When, b.commit.Committer.When
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.commit.Hash.String() < b.commit.Hash.String()
}

// commitQueue is a priority queue of commits ordered by committer time,
// newest first
type commitQueue []*walkNode

func (q commitQueue) Len() int           { return len(q) }
func (q commitQueue) Less(i, j int) bool { return newer(q[i], q[j]) }
func (q commitQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *commitQueue) Push(x any)        { *q = append(*q, x.(*walkNode)) }
func (q *commitQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}

func (q commitQueue) hasInteresting() bool {
	for _, n := range q {
		if !n.uninteresting {
			return true
		}
	}
	return false
}

// Walk visits every commit reachable from leaf (HEAD if zero) which is not
// reachable from boundary (if non zero). Commits are visited in topological
// order, children before parents, and commits which are not related are
// visited newest first based on committer time.
// visit can return ErrStopWalk to end the walk early.
func (r *Repository) Walk(ctx context.Context, leaf, boundary plumbing.Hash, visit func(plumbing.Hash) error) error {
	repo, err := r.Open(ctx)
	if err != nil {
		return err
	}

	if leaf.IsZero() {
		if leaf, err = r.HeadCommitID(ctx); err != nil {
			return err
		}
	}

	commits, err := limitCommits(ctx, repo, leaf, boundary)
	if err != nil {
		return err
	}

	r.log.Debug("walking commits", "leaf", leaf, "boundary", boundary, "count", len(commits))

	for _, n := range sortTopological(commits) {
		if err := visit(n.commit.Hash); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
	}
	return nil
}

// limitCommits returns all commits reachable from leaf and not reachable
// from boundary. commits are loaded in committer time order and walk stops
// once only commits reachable from boundary are left to process.
func limitCommits(ctx context.Context, repo *git.Repository, leaf, boundary plumbing.Hash) ([]*walkNode, error) {
	nodes := make(map[plumbing.Hash]*walkNode)

	get := func(hash plumbing.Hash) (*walkNode, error) {
		if n, ok := nodes[hash]; ok {
			return n, nil
		}
		c, err := repo.CommitObject(hash)
		if err != nil {
			return nil, fmt.Errorf("unable to find commit %s %w: %w", hash, ErrRepositoryState, err)
		}
		n := &walkNode{commit: c}
		nodes[hash] = n
		return n, nil
	}

	queue := &commitQueue{}
	enqueue := func(n *walkNode) {
		if n.queued || n.expanded {
			return
		}
		n.queued = true
		heap.Push(queue, n)
	}

	start, err := get(leaf)
	if err != nil {
		return nil, err
	}
	enqueue(start)

	if !boundary.IsZero() {
		b, err := get(boundary)
		if err != nil {
			return nil, err
		}
		markUninteresting(b)
		enqueue(b)
	}

	var visited []*walkNode
	slop := walkSlop

	for queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := heap.Pop(queue).(*walkNode)
		n.queued = false
		n.expanded = true

		for _, ph := range n.commit.ParentHashes {
			p, err := get(ph)
			if err != nil {
				return nil, err
			}
			n.parents = append(n.parents, p)
			if n.uninteresting {
				markUninteresting(p)
			}
			enqueue(p)
		}

		if n.uninteresting {
			if queue.hasInteresting() {
				slop = walkSlop
			} else if slop--; slop == 0 {
				break
			}
			continue
		}

		visited = append(visited, n)
	}

	// commits can be marked uninteresting after they were visited
	var result []*walkNode
	for _, n := range visited {
		if !n.uninteresting {
			result = append(result, n)
		}
	}
	return result, nil
}

// markUninteresting marks node and all its known ancestors as uninteresting
func markUninteresting(n *walkNode) {
	stack := []*walkNode{n}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.uninteresting {
			continue
		}
		n.uninteresting = true
		stack = append(stack, n.parents...)
	}
}

// sortTopological orders given commits so that every commit comes before
// its parents. among the commits which are ready newest is picked first.
func sortTopological(commits []*walkNode) []*walkNode {
	inSet := make(map[*walkNode]bool, len(commits))
	for _, n := range commits {
		inSet[n] = true
	}

	children := make(map[*walkNode]int, len(commits))
	for _, n := range commits {
		for _, p := range n.parents {
			if inSet[p] {
				children[p]++
			}
		}
	}

	ready := &commitQueue{}
	for _, n := range commits {
		if children[n] == 0 {
			heap.Push(ready, n)
		}
	}

	sorted := make([]*walkNode, 0, len(commits))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*walkNode)
		sorted = append(sorted, n)
		for _, p := range n.parents {
			if !inSet[p] {
				continue
			}
			if children[p]--; children[p] == 0 {
				heap.Push(ready, p)
			}
		}
	}
	return sorted
}

// Deltas visits file level changes of the given commit against every one of
// its parents. root commit has no parents so it has no deltas.
func (r *Repository) Deltas(ctx context.Context, hash plumbing.Hash, visit func(Delta) error) error {
	repo, err := r.Open(ctx)
	if err != nil {
		return err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return fmt.Errorf("unable to find commit %s %w: %w", hash, ErrRepositoryState, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("unable to read tree of %s %w: %w", hash, ErrRepositoryState, err)
	}

	for _, ph := range commit.ParentHashes {
		parent, err := repo.CommitObject(ph)
		if err != nil {
			return fmt.Errorf("unable to find parent %s %w: %w", ph, ErrRepositoryState, err)
		}
		parentTree, err := parent.Tree()
		if err != nil {
			return fmt.Errorf("unable to read tree of %s %w: %w", ph, ErrRepositoryState, err)
		}

		changes, err := object.DiffTreeContext(ctx, parentTree, tree)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("unable to diff %s against %s %w: %w", hash, ph, ErrRepositoryState, err)
		}

		for _, change := range changes {
			d, err := toDelta(change)
			if err != nil {
				return fmt.Errorf("unable to read change of %s %w: %w", hash, ErrRepositoryState, err)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
	}
	return nil
}

func toDelta(change *object.Change) (Delta, error) {
	action, err := change.Action()
	if err != nil {
		return Delta{}, err
	}

	d := Delta{OldPath: change.From.Name, NewPath: change.To.Name}
	switch action {
	case merkletrie.Insert:
		d.Status = DeltaAdded
	case merkletrie.Delete:
		d.Status = DeltaDeleted
		d.NewPath = d.OldPath
	default:
		d.Status = DeltaModified
	}
	return d, nil
}

// ListFiles returns path of every file in the tree of the given commit
func (r *Repository) ListFiles(ctx context.Context, hash plumbing.Hash) (FileSet, error) {
	repo, err := r.Open(ctx)
	if err != nil {
		return nil, err
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("unable to find commit %s %w: %w", hash, ErrRepositoryState, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("unable to read tree of %s %w: %w", hash, ErrRepositoryState, err)
	}

	files := make(FileSet)
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files.Add(f.Name)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("unable to list files of %s %w: %w", hash, ErrRepositoryState, err)
	}
	return files, nil
}

// ChangedFiles returns new side path of every delta of every commit between
// boundary (excluded) and leaf (HEAD if zero). deleted paths are included.
// If boundary is zero all files at leaf are considered changed.
func (r *Repository) ChangedFiles(ctx context.Context, leaf, boundary plumbing.Hash) (FileSet, error) {
	if leaf.IsZero() {
		var err error
		if leaf, err = r.HeadCommitID(ctx); err != nil {
			return nil, err
		}
	}

	if boundary.IsZero() {
		return r.ListFiles(ctx, leaf)
	}

	files := make(FileSet)
	err := r.Walk(ctx, leaf, boundary, func(hash plumbing.Hash) error {
		return r.Deltas(ctx, hash, func(d Delta) error {
			files.Add(d.NewPath)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
