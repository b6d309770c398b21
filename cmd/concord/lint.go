package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/cli"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/source"
	"mercator-hq/concord/pkg/store"
	"mercator-hq/concord/pkg/telemetry/logging"
)

var lintFlags struct {
	strict bool
}

var lintCmd = &cobra.Command{
	Use:   "lint [path...]",
	Short: "Validate rule bundles",
	Long: `Validate rule bundle files and directories.

Each path is parsed and every rule is validated. The rules are then applied
to a scratch store, which catches override cycles, overrides that widen
their parent's scope and duplicate ids across files.

Overrides whose parent is not in the bundles and overrides that have
already expired are reported as warnings.

With no path, the rules path from the configuration is linted.

Examples:
  concord lint rules/
  concord lint team.yaml project.yaml --strict
  concord lint rules/ --format json`,
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().BoolVar(&lintFlags.strict, "strict", false, "treat warnings as errors")
}

// LintIssue is one problem found in the bundles.
type LintIssue struct {
	File     string `json:"file,omitempty" yaml:"file,omitempty"`
	Rule     string `json:"rule,omitempty" yaml:"rule,omitempty"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

// LintReport is the result of linting one or more paths.
type LintReport struct {
	Files  []string    `json:"files" yaml:"files"`
	Rules  int         `json:"rules" yaml:"rules"`
	Issues []LintIssue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

const (
	severityError   = "error"
	severityWarning = "warning"
)

func (r *LintReport) count(severity string) int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == severity {
			n++
		}
	}
	return n
}

// WriteText implements cli.Texter.
func (r *LintReport) WriteText(w io.Writer) error {
	for _, f := range r.Files {
		fmt.Fprintf(w, "Validating %s...\n", f)
	}
	fmt.Fprintln(w)
	if len(r.Issues) == 0 {
		cli.OK(w, "%d rule(s) valid", r.Rules)
	}
	for _, is := range r.Issues {
		where := is.File
		if is.Rule != "" {
			if where != "" {
				where += ": "
			}
			where += "rule " + is.Rule
		}
		if where != "" {
			where = " (" + where + ")"
		}
		if is.Severity == severityWarning {
			cli.Warn(w, "Warning: %s%s", is.Message, where)
		} else {
			cli.Fail(w, "Error: %s%s", is.Message, where)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary:")
	_, err := fmt.Fprintf(w, "  %d file(s), %d rule(s), %d error(s), %d warning(s)\n",
		len(r.Files), r.Rules, r.count(severityError), r.count(severityWarning))
	return err
}

func lintRules(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
		if err != nil {
			return cli.NewConfigError("", err.Error())
		}
		if cfg.Rules.Path == "" {
			return cli.NewConfigError("rules.path", "no path given and none configured")
		}
		paths = []string{cfg.Rules.Path}
	}

	report, err := lintPaths(cmd.Context(), paths, time.Now())
	if err != nil {
		return cli.NewCommandError("lint", err)
	}
	if err := output(cmd.OutOrStdout(), report); err != nil {
		return err
	}

	failures := report.count(severityError)
	if lintFlags.strict {
		failures += report.count(severityWarning)
	}
	if failures > 0 {
		return cli.NewCommandError("lint", &cli.InvalidRulesError{Count: failures})
	}
	return nil
}

// lintPaths loads every path, reports load errors and then dry-runs the
// valid rules against an empty in-memory store.
func lintPaths(ctx context.Context, paths []string, now time.Time) (*LintReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := &LintReport{}
	var rules []*rule.Rule
	seen := make(map[string]string)

	for _, p := range paths {
		loaded, err := source.Load(p)
		if err != nil {
			return nil, err
		}
		report.Files = append(report.Files, loaded.Files...)
		for _, fe := range loaded.Errors {
			report.Issues = append(report.Issues, LintIssue{
				File: fe.Path, Rule: fe.RuleID, Message: fe.Err.Error(), Severity: severityError,
			})
		}
		for _, r := range loaded.Rules {
			if prev, dup := seen[r.ID]; dup {
				report.Issues = append(report.Issues, LintIssue{
					Rule: r.ID, Message: "duplicate rule id, first defined under " + prev, Severity: severityError,
				})
				continue
			}
			seen[r.ID] = p
			rules = append(rules, r)
		}
	}
	report.Rules = len(rules)

	var apply []*rule.Rule
	for _, r := range rules {
		if r.IsOverride() {
			if _, ok := seen[r.Parent]; !ok {
				report.Issues = append(report.Issues, LintIssue{
					Rule: r.ID, Message: fmt.Sprintf("parent %q is not defined in these bundles", r.Parent), Severity: severityWarning,
				})
				continue
			}
			if r.Expired(now) {
				report.Issues = append(report.Issues, LintIssue{
					Rule: r.ID, Message: "override expired at " + r.ExpiresAt.Format(time.RFC3339), Severity: severityWarning,
				})
			}
		}
		apply = append(apply, r)
	}

	st, err := store.New(ctx, store.Options{NodeID: "lint", Now: func() time.Time { return now }, Logger: logging.Discard()})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	rep := source.NewSyncer(st, logging.Discard()).Sync(ctx, apply)
	failed := make([]string, 0, len(rep.Failed))
	for id := range rep.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		msg := rep.Failed[id].Error()
		var ve rule.ValidationErrors
		if errors.As(rep.Failed[id], &ve) && len(ve) == 1 {
			msg = ve[0].Error()
		}
		report.Issues = append(report.Issues, LintIssue{Rule: id, Message: msg, Severity: severityError})
	}
	return report, nil
}
