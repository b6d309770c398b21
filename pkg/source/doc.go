// Package source loads rule definitions from YAML bundles and keeps the
// rule store in step with them.
//
// A bundle is a YAML file with a top-level rules list. Load reads one file
// or every bundle under a directory; Parse decodes bundle bytes. Unknown
// fields are rejected so typos surface at load time.
//
// Syncer writes a loaded rule set into the store: new ids are created,
// changed definitions are updated at their current version and ids that
// disappeared from the bundles are deleted. Rules created through the API
// are never touched.
//
// Watcher reloads on file changes using fsnotify, and GitSource keeps a
// local clone of a rule repository fresh for periodic pulls.
//
// Example:
//
//	res, err := source.Load("/etc/concord/rules")
//	if err != nil {
//	    return err
//	}
//	rep := source.NewSyncer(st, logger).Sync(ctx, res.Rules)
package source
