package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/audit"
	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/rule"
	"mercator-hq/concord/pkg/security/auth"
	"mercator-hq/concord/pkg/server"
	"mercator-hq/concord/pkg/telemetry/logging"
)

// newTestNode serves a node's operator API and points the remote
// commands at it.
func newTestNode(t *testing.T) *concord.Concord {
	t.Helper()
	resetGlobals(t)

	node, err := concord.New(context.Background(), concord.Options{
		NodeID:    "node-a",
		AuditSink: audit.NewMemorySink(),
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	srv := server.NewServer(&config.ServerConfig{}, node, server.Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	useRemote(t, ts.URL)
	return node
}

func useRemote(t *testing.T, addr string) {
	t.Helper()
	orig := remoteFlags
	t.Cleanup(func() { remoteFlags = orig })
	remoteFlags.addr = addr
	remoteFlags.timeout = 5 * time.Second
	remoteFlags.token = ""
	remoteFlags.caFile = ""
	t.Setenv(tokenEnv, "")
}

func runRemote(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := cmd.RunE(cmd, args)
	return buf.String(), err
}

func TestStatusCommand(t *testing.T) {
	node := newTestNode(t)
	_, err := node.CreateRule(context.Background(), &rule.Rule{
		ID:      "author-default",
		Name:    "Default author",
		Type:    rule.TypeAuthorship,
		Scope:   rule.Global(),
		Actions: []rule.Action{{Type: rule.ActionSet, Target: "author", Value: rule.String("alice")}},
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	out, err := runRemote(t, statusCmd)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"Node:       node-a", "Rules:      1", "Peers:      none"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	format = "json"
	out, err = runRemote(t, statusCmd)
	if err != nil {
		t.Fatalf("status --format json error = %v", err)
	}
	if !strings.Contains(out, `"node": "node-a"`) {
		t.Errorf("json status missing node:\n%s", out)
	}
}

func TestConflictsCommand(t *testing.T) {
	newTestNode(t)

	out, err := runRemote(t, conflictsCmd)
	if err != nil {
		t.Fatalf("conflicts error = %v", err)
	}
	if !strings.Contains(out, "No conflicts.") {
		t.Errorf("conflicts output = %q, want No conflicts.", out)
	}
}

func TestSettleUnknownConflict(t *testing.T) {
	newTestNode(t)

	origSettle := settleFlags
	t.Cleanup(func() { settleFlags = origSettle })
	settleFlags.winner = "a"
	settleFlags.operator = "ops"

	if _, err := runRemote(t, settleCmd, "missing"); err == nil {
		t.Fatal("settling an unknown conflict should fail")
	}
}

func TestSyncUnknownPeer(t *testing.T) {
	newTestNode(t)

	_, err := runRemote(t, syncCmd, "ghost")
	if err == nil {
		t.Fatal("sync with an unknown peer should fail")
	}
	if !strings.Contains(err.Error(), "command sync failed") {
		t.Errorf("error = %v, want a sync command error", err)
	}
}

func TestRemoteUnreachable(t *testing.T) {
	resetGlobals(t)
	ts := httptest.NewServer(nil)
	useRemote(t, ts.URL)
	ts.Close()

	_, err := runRemote(t, statusCmd)
	if err == nil || !strings.Contains(err.Error(), "node unreachable") {
		t.Errorf("status error = %v, want node unreachable", err)
	}
}

func TestRemoteToken(t *testing.T) {
	resetGlobals(t)
	node, err := concord.New(context.Background(), concord.Options{NodeID: "node-a", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })
	tokens, err := auth.NewTokenSet([]config.TokenConfig{{Operator: "ops", Token: "ops-token-0123456789"}})
	if err != nil {
		t.Fatalf("NewTokenSet failed: %v", err)
	}
	srv := server.NewServer(&config.ServerConfig{}, node, server.Options{Logger: logging.Discard(), Tokens: tokens})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	useRemote(t, ts.URL)

	_, err = runRemote(t, statusCmd)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("status without token error = %v, want unauthorized", err)
	}

	t.Setenv(tokenEnv, "ops-token-0123456789")
	if _, err := runRemote(t, statusCmd); err != nil {
		t.Fatalf("status with token from environment error = %v", err)
	}

	t.Setenv(tokenEnv, "")
	remoteFlags.token = "ops-token-0123456789"
	if _, err := runRemote(t, statusCmd); err != nil {
		t.Fatalf("status with --token error = %v", err)
	}
}
