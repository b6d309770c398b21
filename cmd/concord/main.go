// Concord is a rule governance and synchronization node.
//
// It keeps a versioned store of authorship, style and operational rules,
// evaluates them against a context with scope inheritance and conflict
// resolution, and replicates them to peer nodes.
//
// Usage:
//
//	# Start a node
//	concord run --config concord.yaml
//
//	# Check rule bundles before committing them
//	concord lint rules/
//
//	# Evaluate bundles against a context without a running node
//	concord evaluate --rules rules/ --set project_id=payments --set task_type=code_generation
//
//	# Inspect a running node
//	concord status --addr http://127.0.0.1:7400
//	concord conflicts --escalated
//	concord conflicts settle <id> --winner <rule> --operator alice
package main

func main() {
	Execute()
}
