package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GitConfig configures a git-hosted rule repository.
type GitConfig struct {
	// URL is the remote repository, or a local path.
	URL string

	// Branch to track. Default: main
	Branch string

	// Path is the bundle directory inside the repository. Empty means
	// the repository root.
	Path string

	// LocalPath is where the repository is cloned.
	// Default: <tmp>/concord-rules
	LocalPath string

	// Depth limits clone history. Zero clones everything.
	Depth int

	// Token authenticates HTTPS remotes.
	Token string

	// SSHKeyPath authenticates SSH remotes.
	SSHKeyPath       string
	SSHKeyPassphrase string

	// Timeout bounds each clone or pull. Default: 30 seconds
	Timeout time.Duration
}

// PullResult is the outcome of one pull.
type PullResult struct {
	From    string
	To      string
	Changed bool

	// ChangedFiles lists the bundle files touched between From and To.
	ChangedFiles []string
}

// GitSource keeps a local clone of a rule repository up to date.
type GitSource struct {
	config GitConfig
	logger *slog.Logger

	mu   sync.Mutex
	repo *gogit.Repository
}

// NewGitSource validates config. Open clones or opens the repository.
func NewGitSource(config GitConfig, logger *slog.Logger) (*GitSource, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("git repository url cannot be empty")
	}
	if config.Branch == "" {
		config.Branch = "main"
	}
	if config.LocalPath == "" {
		config.LocalPath = filepath.Join(os.TempDir(), "concord-rules")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitSource{
		config: config,
		logger: logger.With("component", "source.git", "repository", config.URL, "branch", config.Branch),
	}, nil
}

// RulesPath is the directory bundles are loaded from.
func (g *GitSource) RulesPath() string {
	return filepath.Join(g.config.LocalPath, g.config.Path)
}

// Open clones the repository, or opens an existing clone at LocalPath.
func (g *GitSource) Open(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := os.Stat(filepath.Join(g.config.LocalPath, ".git")); err == nil {
		repo, err := gogit.PlainOpen(g.config.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open existing clone: %w", err)
		}
		g.repo = repo
		g.logger.Info("opened existing rule repository clone", "path", g.config.LocalPath)
		return nil
	}
	if err := os.MkdirAll(g.config.LocalPath, 0o750); err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}

	auth, err := g.auth()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	start := time.Now()
	repo, err := gogit.PlainCloneContext(ctx, g.config.LocalPath, false, &gogit.CloneOptions{
		URL:           g.config.URL,
		ReferenceName: plumbing.NewBranchReferenceName(g.config.Branch),
		SingleBranch:  true,
		Depth:         g.config.Depth,
		Auth:          auth,
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}
	g.repo = repo
	g.logger.Info("cloned rule repository", "path", g.config.LocalPath, "duration", time.Since(start))
	return nil
}

// Pull fetches the tracked branch and reports what changed.
func (g *GitSource) Pull(ctx context.Context) (*PullResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.repo == nil {
		return nil, fmt.Errorf("repository not initialized, call Open first")
	}
	head, err := g.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	auth, err := g.auth()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()
	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(g.config.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to pull: %w", err)
	}

	next, err := g.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get new HEAD: %w", err)
	}
	res := &PullResult{
		From:    head.Hash().String(),
		To:      next.Hash().String(),
		Changed: head.Hash() != next.Hash(),
	}
	if res.Changed {
		files, err := g.changedBundles(head.Hash(), next.Hash())
		if err != nil {
			return nil, err
		}
		res.ChangedFiles = files
		g.logger.Info("rule repository updated", "from", res.From[:8], "to", res.To[:8], "files", len(files))
	}
	return res, nil
}

// Head returns the current commit hash.
func (g *GitSource) Head() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.repo == nil {
		return "", fmt.Errorf("repository not initialized, call Open first")
	}
	ref, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func (g *GitSource) changedBundles(from, to plumbing.Hash) ([]string, error) {
	fromCommit, err := g.repo.CommitObject(from)
	if err != nil {
		return nil, fmt.Errorf("failed to get from commit: %w", err)
	}
	toCommit, err := g.repo.CommitObject(to)
	if err != nil {
		return nil, fmt.Errorf("failed to get to commit: %w", err)
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get from tree: %w", err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get to tree: %w", err)
	}
	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}
	var files []string
	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		if isBundle(name) {
			files = append(files, name)
		}
	}
	return files, nil
}

func (g *GitSource) auth() (transport.AuthMethod, error) {
	switch {
	case g.config.Token != "":
		return &githttp.BasicAuth{Username: "git", Password: g.config.Token}, nil
	case g.config.SSHKeyPath != "":
		if _, err := os.Stat(g.config.SSHKeyPath); err != nil {
			return nil, fmt.Errorf("failed to access SSH key file: %w", err)
		}
		keys, err := ssh.NewPublicKeysFromFile("git", g.config.SSHKeyPath, g.config.SSHKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}
	return nil, nil
}
