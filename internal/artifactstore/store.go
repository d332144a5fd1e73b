// Package artifactstore implements the Artifact Store (spec.md §4.3):
// content-addressed, versioned storage with a git-like branch model. Every
// workflow gets a dedicated branch ai/generated/{workflow_id}; artifacts are
// committed with messages carrying workflow_id, task_id, and content_hash.
//
// Grounded on the teacher's core/redis_registry.go for the per-workflow
// locking idiom (one mutation in flight per branch at a time) and built
// directly on go-git/v5, the only git-native library in the example corpus.
package artifactstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
)

const mainBranch = "main"

// Store is a git-backed, content-addressed artifact store.
type Store struct {
	repo   *git.Repository
	logger logging.Logger

	mu       sync.Mutex
	branchMu map[string]*sync.Mutex
}

// Open opens (or initializes, if absent) a non-bare on-disk repository at path
// to back the store. The store survives process restart with all committed
// state intact, per spec.md §4.3's invariant, because it is backed entirely
// by the on-disk git object database.
func Open(path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	repo, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		repo, err = initRepo(path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening artifact repository: %w", err)
	}
	return &Store{repo: repo, logger: logger, branchMu: make(map[string]*sync.Mutex)}, nil
}

func initRepo(path string) (*git.Repository, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	sig := &object.Signature{Name: "algoforge", Email: "algoforge@localhost", When: time.Now()}
	_, err = wt.Commit("initialize artifact store", &git.CommitOptions{
		Author:            sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return nil, err
	}
	return repo, nil
}

func branchName(workflowID string) string {
	return fmt.Sprintf("ai/generated/%s", workflowID)
}

func (s *Store) lockFor(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.branchMu[workflowID]
	if !ok {
		m = &sync.Mutex{}
		s.branchMu[workflowID] = m
	}
	return m
}

// OpenWorkflow creates the workflow's branch from main if it does not
// already exist. Idempotent.
func (s *Store) OpenWorkflow(workflowID string) error {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	refName := plumbing.NewBranchReferenceName(branchName(workflowID))
	if _, err := s.repo.Reference(refName, true); err == nil {
		return nil // already open
	}

	mainRef, err := s.repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return fmt.Errorf("resolving main branch: %w", err)
	}
	newRef := plumbing.NewHashReference(refName, mainRef.Hash())
	if err := s.repo.Storer.SetReference(newRef); err != nil {
		return fmt.Errorf("creating workflow branch: %w", err)
	}
	s.logger.Info("workflow branch opened", map[string]interface{}{"workflow_id": workflowID})
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes filename under the workflow's branch, commits it with
// structured metadata, and returns artifact_id = content_hash. If filename
// already exists with identical bytes, this is a no-op returning the same
// id (spec.md §4.3 Put).
func (s *Store) Put(workflowID, taskID, filename string, data []byte, kind model.ArtifactKind) (*model.Artifact, error) {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	refName := plumbing.NewBranchReferenceName(branchName(workflowID))
	branchRef, err := s.repo.Reference(refName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow %s has no open branch", errs.ErrWorkflowNotOpen, workflowID)
	}

	hash := contentHash(data)

	existing, existErr := s.readAtRef(branchRef.Hash(), filename)
	if existErr == nil && bytes.Equal(existing, data) {
		return &model.Artifact{
			ArtifactID: hash, WorkflowID: workflowID, TaskID: taskID,
			Filename: filename, Filepath: filename, ContentHash: hash,
			Size: int64(len(data)), Kind: kind,
		}, nil
	}

	commit, err := s.repo.CommitObject(branchRef.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading branch head commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("loading branch head tree: %w", err)
	}

	newTreeHash, err := addBlobToTree(s.repo, tree, filename, data)
	if err != nil {
		return nil, fmt.Errorf("staging file: %w", err)
	}

	sig := &object.Signature{Name: "algoforge", Email: "algoforge@localhost", When: time.Now()}
	newCommit := &object.Commit{
		Author:       *sig,
		Committer:    *sig,
		Message:      fmt.Sprintf("artifact: %s\n\nworkflow_id: %s\ntask_id: %s\ncontent_hash: %s\n", filename, workflowID, taskID, hash),
		TreeHash:     newTreeHash,
		ParentHashes: []plumbing.Hash{branchRef.Hash()},
	}
	obj := s.repo.Storer.NewEncodedObject()
	if err := newCommit.Encode(obj); err != nil {
		return nil, fmt.Errorf("encoding commit: %w", err)
	}
	commitHash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return nil, fmt.Errorf("writing commit object: %w", err)
	}

	updatedRef := plumbing.NewHashReference(refName, commitHash)
	if err := s.repo.Storer.SetReference(updatedRef); err != nil {
		return nil, fmt.Errorf("updating branch ref: %w", err)
	}

	s.logger.Info("artifact committed", map[string]interface{}{
		"workflow_id": workflowID, "task_id": taskID, "filename": filename, "content_hash": hash,
	})

	return &model.Artifact{
		ArtifactID: hash, WorkflowID: workflowID, TaskID: taskID,
		Filename: filename, Filepath: filename, ContentHash: hash,
		Size: int64(len(data)), CreatedAt: time.Now(), Kind: kind,
	}, nil
}

// addBlobToTree writes data as a blob and rebuilds the tree containing it at
// filename, returning the new tree's hash. go-git/v5 has no high-level
// "write file to tree" helper, so this walks the existing tree's entries and
// splices in the new blob, mirroring what `git update-index` + `git
// write-tree` would do.
func addBlobToTree(repo *git.Repository, tree *object.Tree, filename string, data []byte) (plumbing.Hash, error) {
	blob := repo.Storer.NewEncodedObject()
	blob.SetType(plumbing.BlobObject)
	w, err := blob.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	blobHash, err := repo.Storer.SetEncodedObject(blob)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	entries := map[string]object.TreeEntry{}
	for _, e := range tree.Entries {
		entries[e.Name] = e
	}
	entries[filename] = object.TreeEntry{Name: filename, Mode: filemode.Regular, Hash: blobHash}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	newTree := &object.Tree{}
	for _, name := range names {
		newTree.Entries = append(newTree.Entries, entries[name])
	}
	treeObj := repo.Storer.NewEncodedObject()
	if err := newTree.Encode(treeObj); err != nil {
		return plumbing.ZeroHash, err
	}
	return repo.Storer.SetEncodedObject(treeObj)
}

// Read retrieves the bytes of filename on workflowID's current branch head.
func (s *Store) Read(workflowID, filename string) ([]byte, error) {
	refName := plumbing.NewBranchReferenceName(branchName(workflowID))
	ref, err := s.repo.Reference(refName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow %s", errs.ErrWorkflowNotOpen, workflowID)
	}
	data, err := s.readAtRef(ref.Hash(), filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrArtifactNotFound, filename)
	}
	return data, nil
}

func (s *Store) readAtRef(commitHash plumbing.Hash, filename string) ([]byte, error) {
	commit, err := s.repo.CommitObject(commitHash)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(filename)
	if err != nil {
		return nil, err
	}
	r, err := file.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// List enumerates every file present on workflowID's branch head.
func (s *Store) List(workflowID string) ([]string, error) {
	refName := plumbing.NewBranchReferenceName(branchName(workflowID))
	ref, err := s.repo.Reference(refName, true)
	if err != nil {
		return nil, fmt.Errorf("%w: workflow %s", errs.ErrWorkflowNotOpen, workflowID)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Tag adds an annotated tag to workflowID's current branch head.
func (s *Store) Tag(workflowID, label string) error {
	refName := plumbing.NewBranchReferenceName(branchName(workflowID))
	ref, err := s.repo.Reference(refName, true)
	if err != nil {
		return fmt.Errorf("%w: workflow %s", errs.ErrWorkflowNotOpen, workflowID)
	}
	sig := &object.Signature{Name: "algoforge", Email: "algoforge@localhost", When: time.Now()}
	_, err = s.repo.CreateTag(fmt.Sprintf("%s/%s", workflowID, label), ref.Hash(), &git.CreateTagOptions{
		Tagger:  sig,
		Message: label,
	})
	return err
}

// Promote fast-forward merges workflowID's branch into main atomically.
// Fails with ErrPromotionConflict if main has diverged (merge-base is not
// the branch point); no auto-rebase (spec.md §4.3 Promote).
func (s *Store) Promote(workflowID string) error {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	branchRef, err := s.repo.Reference(plumbing.NewBranchReferenceName(branchName(workflowID)), true)
	if err != nil {
		return fmt.Errorf("%w: workflow %s", errs.ErrWorkflowNotOpen, workflowID)
	}
	mainRef, err := s.repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return fmt.Errorf("resolving main: %w", err)
	}

	if mainRef.Hash() == branchRef.Hash() {
		return nil // nothing to promote
	}

	mainCommit, err := s.repo.CommitObject(mainRef.Hash())
	if err != nil {
		return fmt.Errorf("loading main commit: %w", err)
	}
	branchCommit, err := s.repo.CommitObject(branchRef.Hash())
	if err != nil {
		return fmt.Errorf("loading branch commit: %w", err)
	}

	isAncestor, err := mainCommit.IsAncestor(branchCommit)
	if err != nil {
		return fmt.Errorf("computing ancestry: %w", err)
	}
	if !isAncestor {
		return errs.ErrPromotionConflict
	}

	updatedMain := plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), branchRef.Hash())
	if err := s.repo.Storer.SetReference(updatedMain); err != nil {
		return fmt.Errorf("updating main ref: %w", err)
	}
	s.logger.Info("workflow promoted", map[string]interface{}{"workflow_id": workflowID, "commit": branchRef.Hash().String()})
	return nil
}
