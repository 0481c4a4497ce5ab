// Package gitrepo keeps the revision history of article resources, one git
// repository per resource. Saves become commits on main; publishing tags the
// commit that went live.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	metaFile    = "meta.json"
	articleFile = "article.html"
)

var mainBranch = plumbing.NewBranchReferenceName("main")

var ErrNoRepository = errors.New("resource has no revision history")

type Content struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	HTML        string `json:"-"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records content as the new head of the resource's history,
// creating the repository on first use. When content equals the current head
// nothing is committed and changed is false.
func (s *Service) Commit(resourceID string, content Content, author, message string) (rev Revision, changed bool, err error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(resourceID)
	if err != nil {
		return Revision{}, false, err
	}

	if ref, err := repo.Reference(mainBranch, true); err == nil {
		head, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return Revision{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readContentFromCommit(head)
		if err != nil {
			return Revision{}, false, err
		}
		if !HasChanges(current, content) {
			return toRevision(head, nil), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Revision{}, false, fmt.Errorf("resolve main: %w", err)
	}

	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj, nil), true, nil
}

// Head returns the latest committed content.
func (s *Service) Head(resourceID string) (Content, Revision, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(resourceID)
	if err != nil {
		return Content{}, Revision{}, err
	}
	ref, err := repo.Reference(mainBranch, true)
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("load commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj, nil), nil
}

// ContentAt returns the content of a revision. hash may be abbreviated or a
// tag name.
func (s *Service) ContentAt(resourceID, hash string) (Content, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(resourceID)
	if err != nil {
		return Content{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(resourceID string, limit int) ([]Revision, error) {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(resourceID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(mainBranch, true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj, tags[commitObj.Hash]))
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

// TagHead tags the current head. Re-tagging with an existing name is a
// no-op.
func (s *Service) TagHead(resourceID, name, tagger string) error {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(resourceID)
	if err != nil {
		return err
	}
	ref, err := repo.Reference(mainBranch, true)
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}
	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  tagger,
			Email: fmt.Sprintf("%s@local.counselhub.dev", sanitizeEmail(tagger)),
			When:  s.now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Remove deletes a resource's history.
func (s *Service) Remove(resourceID string) error {
	lock := s.resourceLock(resourceID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(s.repoPath(resourceID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) repoPath(resourceID string) string {
	return filepath.Join(s.baseDir, filepath.Base(resourceID))
}

func (s *Service) resourceLock(resourceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[resourceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[resourceID] = lock
	return lock
}

func (s *Service) open(resourceID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(resourceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepository
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(resourceID string) (*git.Repository, error) {
	repo, err := s.open(resourceID)
	if !errors.Is(err, ErrNoRepository) {
		return repo, err
	}
	path := s.repoPath(resourceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: mainBranch},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	meta, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal meta: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, metaFile), append(meta, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, articleFile), []byte(content.HTML), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", articleFile, err)
	}
	for _, name := range []string{metaFile, articleFile} {
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.counselhub.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	var content Content
	meta, err := readFile(commitObj, metaFile)
	if err != nil {
		return Content{}, err
	}
	if err := json.Unmarshal([]byte(meta), &content); err != nil {
		return Content{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	if content.HTML, err = readFile(commitObj, articleFile); err != nil {
		return Content{}, err
	}
	return content, nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	text, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return text, nil
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if tag, err := repo.TagObject(target); err == nil {
			target = tag.Target
		}
		out[target] = append(out[target], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out, nil
}

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DiffFields lists the fields that differ between two revisions. Article
// bodies are reported as changed without inlining the HTML.
func DiffFields(from, to Content) []FieldChange {
	result := make([]FieldChange, 0)
	if from.Title != to.Title {
		result = append(result, FieldChange{Field: "title", Before: from.Title, After: to.Title})
	}
	if from.Description != to.Description {
		result = append(result, FieldChange{Field: "description", Before: from.Description, After: to.Description})
	}
	if from.HTML != to.HTML {
		result = append(result, FieldChange{Field: "content", Before: "[rich content]", After: "[rich content]"})
	}
	return result
}

func HasChanges(from, to Content) bool {
	return len(DiffFields(from, to)) > 0
}

func toRevision(commitObj *object.Commit, tags []string) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Tags:      tags,
	}
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

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
