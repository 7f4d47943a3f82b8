// Package drafts keeps versioned editor drafts in one git repository per
// user, one JSON file per PID.
package drafts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"maqlexpress/api/internal/editor"
)

var ErrNotFound = errors.New("draft not found")

// Draft is the persisted editor state for one PID.
type Draft struct {
	Title      string           `json:"title,omitempty"`
	Segments   []editor.Segment `json:"segments"`
	Expression string           `json:"expression"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Save commits the draft. Saving content identical to the head is a no-op
// that returns the head version.
func (s *Service) Save(userID, pidID string, draft Draft, author string) (Version, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if draft.Segments == nil {
		draft.Segments = []editor.Segment{{}}
	}
	draft.Expression = editor.Serialize(draft.Segments)

	repo, err := s.openOrInit(userID)
	if err != nil {
		return Version{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return Version{}, fmt.Errorf("marshal draft: %w", err)
	}
	payload = append(payload, '\n')

	name := fileName(pidID)
	path := filepath.Join(worktree.Filesystem.Root(), name)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, payload) {
		return s.headVersion(repo, name)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return Version{}, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return Version{}, fmt.Errorf("git add draft: %w", err)
	}

	message := "Update draft"
	if draft.Title != "" {
		message = "Update draft: " + draft.Title
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.maqlexpress.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, fmt.Errorf("commit draft: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), nil
}

// Load returns the latest draft for a PID.
func (s *Service) Load(userID, pidID string) (Draft, Version, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if err != nil {
		return Draft{}, Version{}, err
	}
	name := fileName(pidID)
	commits, err := fileLog(repo, name, 1)
	if err != nil {
		return Draft{}, Version{}, err
	}
	if len(commits) == 0 {
		return Draft{}, Version{}, ErrNotFound
	}
	draft, err := readDraft(commits[0], name)
	if err != nil {
		return Draft{}, Version{}, err
	}
	return draft, toVersion(commits[0]), nil
}

// History lists versions of a PID's draft, newest first.
func (s *Service) History(userID, pidID string, limit int) ([]Version, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if errors.Is(err, ErrNotFound) {
		return []Version{}, nil
	}
	if err != nil {
		return nil, err
	}
	commits, err := fileLog(repo, fileName(pidID), limit)
	if err != nil {
		return nil, err
	}
	items := make([]Version, 0, len(commits))
	for _, c := range commits {
		items = append(items, toVersion(c))
	}
	return items, nil
}

// At returns the draft as of a version hash (short or full).
func (s *Service) At(userID, pidID, hash string) (Draft, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if err != nil {
		return Draft{}, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Draft{}, ErrNotFound
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Draft{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	draft, err := readDraft(commitObj, fileName(pidID))
	if errors.Is(err, object.ErrFileNotFound) {
		return Draft{}, ErrNotFound
	}
	return draft, err
}

// Remove deletes a PID's draft file in a new commit. Missing drafts are ignored.
func (s *Service) Remove(userID, pidID, author string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	name := fileName(pidID)
	if _, err := os.Stat(filepath.Join(worktree.Filesystem.Root(), name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := worktree.Remove(name); err != nil {
		return fmt.Errorf("git rm draft: %w", err)
	}
	_, err = worktree.Commit("Remove draft", &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.maqlexpress.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit removal: %w", err)
	}
	return nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, userID)
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[userID] = lock
	return lock
}

func (s *Service) open(userID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(userID string) (*git.Repository, error) {
	path := s.repoPath(userID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) headVersion(repo *git.Repository, name string) (Version, error) {
	commits, err := fileLog(repo, name, 1)
	if err != nil {
		return Version{}, err
	}
	if len(commits) == 0 {
		return Version{}, ErrNotFound
	}
	return toVersion(commits[0]), nil
}

// fileLog walks history from HEAD, keeping commits that touched name.
func fileLog(repo *git.Repository, name string, limit int) ([]*object.Commit, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &name})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var commits []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if _, err := c.File(name); err != nil {
			// the removal commit touches the file but no longer holds it
			if len(commits) == 0 {
				return io.EOF
			}
			return nil
		}
		commits = append(commits, c)
		if limit > 0 && len(commits) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return commits, nil
}

func readDraft(commitObj *object.Commit, name string) (Draft, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return Draft{}, err
	}
	reader, err := file.Reader()
	if err != nil {
		return Draft{}, fmt.Errorf("open draft reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Draft{}, fmt.Errorf("read draft bytes: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return Draft{}, fmt.Errorf("decode draft: %w", err)
	}
	return draft, nil
}

func fileName(pidID string) string {
	return sanitizeFile(pidID) + ".json"
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeFile(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "draft"
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
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
