package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/cli"
	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/engine"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/telemetry/logging"
)

var evaluateFlags struct {
	rules    string
	set      map[string]string
	strategy string
	tree     bool
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate rule bundles against a context",
	Long: `Evaluate rule bundles against a context without a running node.

The bundles are loaded into a scratch node and the context given with --set
is evaluated against them. The decision lists the resolved action per
target, the contributing rules, actions that were overridden and any
conflicts.

Examples:
  concord evaluate --rules rules/ --set project_id=payments
  concord evaluate --rules rules/ --set project_id=payments,task_type=code_review --format json
  concord evaluate --rules rules/ --set agent_id=builder --tree`,
	RunE: evaluateRules,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&evaluateFlags.rules, "rules", "r", "", "rule bundle file or directory (default: rules.path from the configuration)")
	evaluateCmd.Flags().StringToStringVar(&evaluateFlags.set, "set", nil, "context field, e.g. project_id=payments (repeatable)")
	evaluateCmd.Flags().StringVar(&evaluateFlags.strategy, "strategy", "", "default conflict strategy (default: engine.default_strategy)")
	evaluateCmd.Flags().BoolVar(&evaluateFlags.tree, "tree", false, "print the inheritance tree for the context instead of a decision")
}

// decisionView renders a decision for text output.
type decisionView struct {
	*engine.Decision
}

func formatValue(v rule.Value) string {
	if v.Kind == rule.KindScalar {
		return v.Scalar
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// WriteText implements cli.Texter.
func (d decisionView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Scope chain: %s\n\n", strings.Join(d.ScopeChain, " > "))
	if len(d.Actions) == 0 {
		fmt.Fprintln(w, "No rules matched.")
	} else {
		t := cli.NewTable(w, "TARGET", "TYPE", "VALUE", "SCOPE", "RULES")
		for _, a := range d.Actions {
			t.Row(a.Target, string(a.Type), formatValue(a.Value), a.Scope, strings.Join(a.Rules, ","))
		}
		if err := t.Flush(); err != nil {
			return err
		}
	}
	for _, b := range d.Blocks {
		fmt.Fprintln(w)
		cli.Fail(w, "Blocked %s by %s: %s", b.Target, strings.Join(b.Rules, ","), b.Reason)
	}
	if len(d.Overridden) > 0 {
		fmt.Fprintln(w, "\nOverridden:")
		for _, o := range d.Overridden {
			fmt.Fprintf(w, "  %s on %s (%s)", o.RuleID, o.Action.Target, o.Reason)
			if len(o.By) > 0 {
				fmt.Fprintf(w, " by %s", strings.Join(o.By, ","))
			}
			fmt.Fprintln(w)
		}
	}
	for _, c := range d.Conflicts {
		fmt.Fprintln(w)
		switch {
		case len(c.SupersededBy) > 0:
			fmt.Fprintf(w, "  Conflict on %s between %s superseded by %s\n", c.Target, strings.Join(c.RuleIDs(), ","), strings.Join(c.SupersededBy, ","))
			continue
		case c.Winner == "":
			cli.Warn(w, "Unresolved conflict on %s between %s (%s)", c.Target, strings.Join(c.RuleIDs(), ","), c.Strategy)
			continue
		}
		by := c.DecidedBy
		if by == "" {
			by = c.Strategy
		}
		cli.OK(w, "Conflict on %s between %s won by %s (%s)", c.Target, strings.Join(c.RuleIDs(), ","), c.Winner, by)
	}
	return nil
}

// treeView renders an inheritance tree for text output.
type treeView struct {
	*engine.Tree
}

// WriteText implements cli.Texter.
func (t treeView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Inheritance tree for %s\n", t.Target)
	for _, lvl := range t.Levels {
		fmt.Fprintf(w, "\n%s\n", lvl.Scope)
		for _, r := range lvl.Rules {
			fmt.Fprintf(w, "  %s [%s] %s", r.ID, r.Priority, strings.Join(r.Targets, ","))
			if r.Parent != "" {
				fmt.Fprintf(w, " overrides %s", r.Parent)
			}
			if len(r.OverriddenBy) > 0 {
				fmt.Fprintf(w, " overridden by %s", strings.Join(r.OverriddenBy, ","))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func evaluateRules(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", err.Error())
	}
	path := evaluateFlags.rules
	if path == "" {
		path = cfg.Rules.Path
	}
	if path == "" {
		return cli.NewConfigError("rules", "--rules is required when rules.path is not configured")
	}
	strategy := rule.Strategy(cfg.Engine.DefaultStrategy)
	if evaluateFlags.strategy != "" {
		strategy = rule.Strategy(evaluateFlags.strategy)
	}

	ec := rule.Context{}
	for k, v := range evaluateFlags.set {
		ec[k] = v
	}

	logger := logging.Discard()
	if verbose {
		logger, _ = logging.New(logging.Config{Level: "debug", Format: "text", Writer: cmd.ErrOrStderr()})
	}
	node, err := concord.New(ctx, concord.Options{
		NodeID:          "evaluate",
		DefaultStrategy: strategy,
		MinQuorum:       cfg.Engine.MinQuorum,
		Rules:           concord.RulesOptions{Path: path},
		Logger:          logger,
	})
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	defer node.Close()

	loaded, err := node.LoadRules(ctx)
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	w := cmd.OutOrStdout()
	for _, fe := range loaded.Errors {
		cli.Warn(cmd.ErrOrStderr(), "skipped %s", fe.Error())
	}
	for id, ferr := range loaded.Report.Failed {
		cli.Warn(cmd.ErrOrStderr(), "rule %s not applied: %v", id, ferr)
	}

	if evaluateFlags.tree {
		return output(w, treeView{node.Engine().ContextTree(ec)})
	}
	d, err := node.Evaluate(ctx, ec)
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	return output(w, decisionView{d})
}
