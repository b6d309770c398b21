package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"mercator-hq/concord/pkg/rule"
)

// Bundle is the on-disk format of a rule file:
//
//	rules:
//	  - id: org-author
//	    name: Organization author
//	    type: authorship
//	    scope: global
//	    priority: NORMAL
//	    conditions:
//	      - {field: task_type, operator: equals, value: code_generation}
//	    actions:
//	      - {type: set, target: author, value: Org Name}
type Bundle struct {
	Rules []*rule.Rule `yaml:"rules"`
}

// FileError is a problem with one file or one rule in it.
type FileError struct {
	Path   string
	RuleID string
	Err    error
}

// Error implements the error interface.
func (e *FileError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s: rule %q: %v", e.Path, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause error.
func (e *FileError) Unwrap() error {
	return e.Err
}

// LoadResult is the outcome of loading a path.
type LoadResult struct {
	// Rules holds every well-formed rule, normalized, in file then
	// document order.
	Rules []*rule.Rule

	// Files lists the files read.
	Files []string

	// Errors holds parse failures, validation failures and duplicate
	// ids. Rules with errors are not in Rules.
	Errors []*FileError
}

// Err joins the load errors, or returns nil.
func (r *LoadResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Extensions lists the file extensions read as bundles.
var Extensions = []string{".yaml", ".yml"}

// Load reads a bundle file, or every bundle file under a directory.
// Hidden files and directories are skipped.
func Load(path string) (*LoadResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rules path: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = listBundles(path)
		if err != nil {
			return nil, err
		}
	}

	res := &LoadResult{Files: files}
	seen := make(map[string]string)
	for _, f := range files {
		rules, err := loadFile(f)
		if err != nil {
			res.Errors = append(res.Errors, &FileError{Path: f, Err: err})
			continue
		}
		for _, r := range rules {
			if prev, dup := seen[r.ID]; dup {
				res.Errors = append(res.Errors, &FileError{Path: f, RuleID: r.ID,
					Err: fmt.Errorf("duplicate rule id, first defined in %s", prev)})
				continue
			}
			if err := rule.Validate(r); err != nil {
				res.Errors = append(res.Errors, &FileError{Path: f, RuleID: r.ID, Err: err})
				continue
			}
			seen[r.ID] = f
			res.Rules = append(res.Rules, r)
		}
	}
	return res, nil
}

func listBundles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isBundle(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules directory: %w", err)
	}
	slices.Sort(files)
	return files, nil
}

func isBundle(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// loadFile decodes every YAML document in the file.
func loadFile(path string) ([]*rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes bundle documents from data and normalizes each rule.
func Parse(data []byte) ([]*rule.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var out []*rule.Rule
	for {
		var b Bundle
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse bundle: %w", err)
		}
		for i, r := range b.Rules {
			if r == nil {
				return nil, fmt.Errorf("rule %d is empty", i)
			}
			r.Normalize()
			out = append(out, r)
		}
	}
	return out, nil
}
