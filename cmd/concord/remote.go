package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/concord/pkg/cli"
	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/conflict"
	"mercator-hq/concord/pkg/replication"
	sectls "mercator-hq/concord/pkg/security/tls"
	"mercator-hq/concord/pkg/server"
)

var remoteFlags struct {
	addr    string
	timeout time.Duration
	token   string
	caFile  string
}

// apiClient talks to the operator API of a running node.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	addr := strings.TrimRight(remoteFlags.addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if _, err := url.Parse(addr); err != nil {
		return nil, cli.NewConfigError("addr", err.Error())
	}
	client := &http.Client{Timeout: remoteFlags.timeout}
	if remoteFlags.caFile != "" {
		tlsCfg, err := sectls.NewClientConfig(config.ClientTLSConfig{CAFile: remoteFlags.caFile})
		if err != nil {
			return nil, cli.NewConfigError("ca-file", err.Error())
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	token := remoteFlags.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	return &apiClient{base: addr, token: token, http: client}, nil
}

// tokenEnv supplies the operator token when --token is not given.
const tokenEnv = "CONCORD_TOKEN"

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return fmt.Errorf("%s (%s)", e.Error.Message, e.Error.Code)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusView renders node status for text output.
type statusView struct {
	concord.Status
}

// WriteText implements cli.Texter.
func (s statusView) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Node:       %s\n", s.Node)
	fmt.Fprintf(w, "Rules:      %d\n", s.Rules)
	fmt.Fprintf(w, "Index:      seq %d, built %s\n", s.IndexSeq, s.IndexBuiltAt.Format(time.RFC3339))
	hitRate := 0.0
	if total := s.Cache.Hits + s.Cache.Misses; total > 0 {
		hitRate = float64(s.Cache.Hits) / float64(total) * 100
	}
	fmt.Fprintf(w, "Cache:      %d entries, %.1f%% hit rate\n", s.Cache.Size, hitRate)
	fmt.Fprintf(w, "Conflicts:  %d (%d escalated)\n", s.Conflicts, s.EscalatedConflicts)
	if len(s.Peers) == 0 {
		_, err := fmt.Fprintln(w, "Peers:      none")
		return err
	}
	fmt.Fprintln(w)
	return peersView(s.Peers).WriteText(w)
}

// peersView renders peer sync status for text output.
type peersView []replication.PeerStatus

// WriteText implements cli.Texter.
func (p peersView) WriteText(w io.Writer) error {
	t := cli.NewTable(w, "PEER", "STATE", "LAST SYNC", "PENDING", "FAILURES", "LAST ERROR")
	for _, ps := range p {
		last := "never"
		if !ps.LastSyncAt.IsZero() {
			last = ps.LastSyncAt.Format(time.RFC3339)
		}
		t.Row(ps.Peer, ps.State.String(), last, fmt.Sprint(ps.PendingCount), fmt.Sprint(ps.Failures), ps.LastError)
	}
	return t.Flush()
}

// conflictsView renders conflict records for text output.
type conflictsView []*conflict.Record

// WriteText implements cli.Texter.
func (v conflictsView) WriteText(w io.Writer) error {
	if len(v) == 0 {
		_, err := fmt.Fprintln(w, "No conflicts.")
		return err
	}
	t := cli.NewTable(w, "ID", "KIND", "RULES", "TARGET", "STRATEGY", "WINNER", "DETECTED")
	for _, r := range v {
		winner := r.Winner
		switch {
		case r.Escalated:
			winner = "(escalated)"
		case winner == "":
			winner = "-"
		}
		t.Row(r.ID, string(r.Kind), strings.Join(r.RuleIDs, ","), r.Target, string(r.Strategy), winner,
			r.DetectedAt.Format(time.RFC3339))
	}
	return t.Flush()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var st concord.Status
		if err := c.do(cmd.Context(), http.MethodGet, "/v1/status", nil, &st); err != nil {
			return cli.NewCommandError("status", err)
		}
		return output(cmd.OutOrStdout(), statusView{st})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [peer]",
	Short: "Force a sync cycle with one peer or all peers",
	Long: `Force a full sync cycle on a running node. Degraded peers are retried.
With no peer, every configured peer is synced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/sync"
		if len(args) == 1 {
			path += "?peer=" + url.QueryEscape(args[0])
		}
		var peers []replication.PeerStatus
		if err := c.do(cmd.Context(), http.MethodPost, path, nil, &peers); err != nil {
			return cli.NewCommandError("sync", err)
		}
		return output(cmd.OutOrStdout(), peersView(peers))
	},
}

var conflictsFlags struct {
	escalated bool
	rule      string
	kind      string
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts recorded by a running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if conflictsFlags.escalated {
			q.Set("escalated", "true")
		}
		if conflictsFlags.rule != "" {
			q.Set("rule", conflictsFlags.rule)
		}
		if conflictsFlags.kind != "" {
			q.Set("kind", conflictsFlags.kind)
		}
		path := "/v1/conflicts"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var recs []*conflict.Record
		if err := c.do(cmd.Context(), http.MethodGet, path, nil, &recs); err != nil {
			return cli.NewCommandError("conflicts", err)
		}
		return output(cmd.OutOrStdout(), conflictsView(recs))
	},
}

var settleFlags struct {
	winner   string
	operator string
}

var settleCmd = &cobra.Command{
	Use:   "settle <conflict-id>",
	Short: "Settle an escalated conflict in favor of one rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		req := server.SettleRequest{Winner: settleFlags.winner, Operator: settleFlags.operator}
		var rec conflict.Record
		if err := c.do(cmd.Context(), http.MethodPost, "/v1/conflicts/"+url.PathEscape(args[0])+"/settle", req, &rec); err != nil {
			return cli.NewCommandError("conflicts settle", err)
		}
		if format == string(cli.FormatText) {
			cli.OK(cmd.OutOrStdout(), "Conflict %s settled: %s wins (by %s)", rec.ID, rec.Winner, rec.ResolvedBy)
			return nil
		}
		return output(cmd.OutOrStdout(), rec)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, syncCmd, conflictsCmd, settleCmd} {
		cmd.Flags().StringVar(&remoteFlags.addr, "addr", "http://127.0.0.1:7400", "node address")
		cmd.Flags().DurationVar(&remoteFlags.timeout, "timeout", 30*time.Second, "request timeout")
		cmd.Flags().StringVar(&remoteFlags.token, "token", "", "operator token (default: $"+tokenEnv+")")
		cmd.Flags().StringVar(&remoteFlags.caFile, "ca-file", "", "CA bundle for https node addresses")
	}
	rootCmd.AddCommand(statusCmd, syncCmd, conflictsCmd)

	conflictsCmd.Flags().BoolVar(&conflictsFlags.escalated, "escalated", false, "only conflicts awaiting an operator")
	conflictsCmd.Flags().StringVar(&conflictsFlags.rule, "rule", "", "only conflicts involving this rule")
	conflictsCmd.Flags().StringVar(&conflictsFlags.kind, "kind", "", "evaluation or sync")

	settleCmd.Flags().StringVar(&settleFlags.winner, "winner", "", "id of the winning rule")
	settleCmd.Flags().StringVar(&settleFlags.operator, "operator", "", "who is settling the conflict")
	_ = settleCmd.MarkFlagRequired("winner")
	_ = settleCmd.MarkFlagRequired("operator")
	conflictsCmd.AddCommand(settleCmd)
}
