package concord

import (
	"context"
	"errors"
	"fmt"

	"mercator-hq/concord/pkg/source"
)

// LoadResult reports one bundle load.
type LoadResult struct {
	// Files lists the bundle files read.
	Files []string

	// Report summarizes the writes made to the store.
	Report *source.Report

	// Errors holds the files that failed to parse. Their rules were not
	// touched.
	Errors []*source.FileError
}

// RulesPath returns the bundle location LoadRules reads, or "" when no
// source is configured.
func (c *Concord) RulesPath() string {
	if c.rules.Git != nil {
		return c.rules.Git.RulesPath()
	}
	return c.rules.Path
}

// LoadRules reads the configured bundles and makes the store reflect
// them. A git source is cloned on first use. Rules from files that fail
// to parse are left as they are; a partial load is not an error.
func (c *Concord) LoadRules(ctx context.Context) (*LoadResult, error) {
	if err := c.openGit(ctx); err != nil {
		return nil, err
	}
	path := c.RulesPath()
	if path == "" {
		return nil, errors.New("concord: no rule source configured")
	}
	loaded, err := source.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule bundles: %w", err)
	}
	if len(loaded.Errors) > 0 && len(loaded.Rules) == 0 {
		return nil, loaded.Err()
	}
	for _, fe := range loaded.Errors {
		c.logger.Warn("skipped invalid rule bundle", "file", fe.Path, "error", fe.Err)
	}

	rep := c.syncer.Sync(ctx, loaded.Rules)
	for id, err := range rep.Failed {
		c.logger.Warn("failed to apply bundle rule", "rule_id", id, "error", err)
	}
	c.logger.Info("rule bundles loaded",
		"path", path,
		"files", len(loaded.Files),
		"created", len(rep.Created),
		"updated", len(rep.Updated),
		"deleted", len(rep.Deleted),
		"unchanged", rep.Unchanged,
		"failed", len(rep.Failed),
	)
	return &LoadResult{Files: loaded.Files, Report: rep, Errors: loaded.Errors}, nil
}

// PullRules fetches the git source and reloads the bundles when the
// tracked branch moved. It returns a nil result when nothing changed.
func (c *Concord) PullRules(ctx context.Context) (*LoadResult, error) {
	if c.rules.Git == nil {
		return nil, errors.New("concord: no git rule source configured")
	}
	if err := c.openGit(ctx); err != nil {
		return nil, err
	}
	res, err := c.rules.Git.Pull(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return nil, nil
	}
	return c.LoadRules(ctx)
}

func (c *Concord) openGit(ctx context.Context) error {
	if c.rules.Git == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gitOpened {
		return nil
	}
	if err := c.rules.Git.Open(ctx); err != nil {
		return fmt.Errorf("failed to open rule repository: %w", err)
	}
	c.gitOpened = true
	return nil
}

// startWatcher reloads bundles on file changes until Close. Callers hold
// c.mu.
func (c *Concord) startWatcher(ctx context.Context) error {
	path := c.RulesPath()
	if path == "" {
		return errors.New("concord: rule watching needs a rules path")
	}
	w, err := source.NewWatcher(source.WatcherConfig{Path: path, Debounce: c.rules.Debounce}, c.logger)
	if err != nil {
		return err
	}
	c.watcher = w
	go func() {
		err := w.Watch(ctx, func(ctx context.Context) error {
			_, err := c.LoadRules(ctx)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("rule watcher stopped", "error", err)
		}
	}()
	return nil
}
