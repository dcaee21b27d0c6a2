// Package gitrepo mirrors applied item history into one git repository per
// project. Each item is a JSON file named after its code and every history
// entry becomes one commit authored by the submitter.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"docket/api/internal/store"
)

const mainBranch = "main"

type Service struct {
	baseDir string
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Commit describes one mirrored history entry.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// snapshotFile is what lands in <code>.json for each recorded version.
type snapshotFile struct {
	Version         int                `json:"version"`
	ChangeKind      string             `json:"changeKind"`
	ChangeRequestID string             `json:"changeRequestId"`
	ReviewerName    string             `json:"reviewerName,omitempty"`
	Item            store.ItemSnapshot `json:"item"`
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}
}

// Record writes the entry's snapshot into the project repository and commits
// it on main. Recording the same version twice produces no new commit.
func (s *Service) Record(ctx context.Context, project store.Project, entry store.ItemHistory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var snapshot store.ItemSnapshot
	if err := json.Unmarshal(entry.Snapshot, &snapshot); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", entry.ID, err)
	}
	fileName := safeFileName(snapshot.Code) + ".json"

	lock := s.projectLock(project.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(project)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshotFile{
		Version:         entry.Version,
		ChangeKind:      entry.ChangeKind,
		ChangeRequestID: entry.ChangeRequestID,
		ReviewerName:    entry.ReviewerName,
		Item:            snapshot,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, fileName), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if _, err := worktree.Add(fileName); err != nil {
		return fmt.Errorf("git add %s: %w", fileName, err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	when := entry.CreatedAt
	if when.IsZero() {
		when = s.now()
	}
	message := fmt.Sprintf("%s v%d %s (%s)", snapshot.Code, entry.Version, entry.ChangeKind, entry.ChangeRequestID)
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName(entry.SubmitterName),
			Email: fmt.Sprintf("%s@local.docket.dev", sanitizeEmail(entry.SubmitterName)),
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", fileName, err)
	}
	return nil
}

// History lists the project's mirrored commits, newest first.
func (s *Service) History(projectID string, limit int) ([]Commit, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, Commit{
			Hash:      commitObj.Hash.String()[:7],
			Message:   commitObj.Message,
			Author:    commitObj.Author.Name,
			CreatedAt: commitObj.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Snapshot reads <code>.json as of the head of main.
func (s *Service) Snapshot(projectID, code string) (store.ItemSnapshot, int, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("load head commit: %w", err)
	}
	file, err := commitObj.File(safeFileName(code) + ".json")
	if err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("load %s from commit: %w", code, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("read %s: %w", code, err)
	}
	var decoded snapshotFile
	if err := json.Unmarshal([]byte(contents), &decoded); err != nil {
		return store.ItemSnapshot{}, 0, fmt.Errorf("decode %s: %w", code, err)
	}
	return decoded.Item, decoded.Version, nil
}

func (s *Service) ensureRepo(project store.Project) (*git.Repository, error) {
	repoPath := s.repoPath(project.ID)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}

	readme := fmt.Sprintf("# %s (%s)\n\nApplied item history for project %s.\n", project.Name, project.CodePrefix, project.ID)
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte(readme), 0o644); err != nil {
		return nil, fmt.Errorf("write README.md: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return nil, fmt.Errorf("git add README.md: %w", err)
	}
	if _, err := worktree.Commit("Initialize "+project.CodePrefix+" history", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Docket",
			Email: "docket@localhost",
			When:  s.now(),
		},
	}); err != nil {
		return nil, fmt.Errorf("initial commit: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, safeFileName(projectID))
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func authorName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Deleted user"
	}
	return name
}

func safeFileName(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "item"
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
