// Package concord assembles one node of the rule governance network.
//
// A Concord ties together the rule store, its index and evaluation engine,
// the conflict log, the sync coordinator, the audit recorder and operator
// notifications. Every store mutation, local or replicated, is audited and
// counted; conflicts the engine cannot settle are logged once per target,
// rule set and context and announced to operators.
//
// # Usage
//
//	cfg, err := config.LoadConfigWithEnvOverrides("concord.yaml")
//	if err != nil {
//		return err
//	}
//	node, err := concord.Open(ctx, cfg, concord.Deps{Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer node.Close()
//
//	if _, err := node.LoadRules(ctx); err != nil {
//		return err
//	}
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	d, err := node.Evaluate(ctx, rule.Context{rule.FieldProjectID: "payments"})
//
// # Periodic Work
//
// A Scheduler runs routine sync, reconnects of degraded peers, the override
// expiry sweep, git polling and audit retention on cron schedules. Any job
// can also be run on demand with Scheduler.Run.
package concord
