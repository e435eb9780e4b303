// Package ctl implements the haguardctl subcommands: list, members, failover,
// restart, reinit, remove, query, dsn and configure. Output strings for the
// failover and remove flows are matched intentionally to the source tool's
// wording, since scripts and operators depend on grepping them.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"haguard/internal/cluster"
	"haguard/internal/config"
	"haguard/internal/dcs"
)

// Client is the thin wrapper the CLI subcommands drive: a DCS connection plus
// knowledge of how to reach each member's REST API for the HTTP fast path.
type Client struct {
	DCS        dcs.Client
	HTTPClient *http.Client
	Out        io.Writer
}

// NewClient builds a Client from a loaded configuration.
func NewClient(cfg *config.Config, store dcs.Client, out io.Writer) *Client {
	return &Client{DCS: store, HTTPClient: &http.Client{Timeout: 5 * time.Second}, Out: out}
}

// List prints every member and the current leader, in the requested format.
func (c *Client) List(ctx context.Context, format string) error {
	snap, err := c.DCS.GetCluster(ctx)
	if err != nil {
		return fmt.Errorf("query cluster: %w", err)
	}
	return c.outputMembers(snap, format)
}

// Members is an alias kept for the `members` subcommand name used by operators
// migrating muscle memory from the source tool; behavior is identical to List.
func (c *Client) Members(ctx context.Context, format string) error {
	return c.List(ctx, format)
}

func (c *Client) outputMembers(snap cluster.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(c.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "tsv":
		for _, m := range snap.Members {
			role := "replica"
			if snap.Leader != nil && snap.Leader.Name == m.Name {
				role = "leader"
			}
			fmt.Fprintf(c.Out, "%s\t%s\t%s\n", m.Name, role, m.ConnString)
		}
		return nil
	default: // "pretty"
		tw := tabwriter.NewWriter(c.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MEMBER\tROLE\tCONNECTION")
		for _, m := range snap.Members {
			role := "replica"
			if snap.Leader != nil && snap.Leader.Name == m.Name {
				role = "leader"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, role, m.ConnString)
		}
		return tw.Flush()
	}
}

// Failover implements the dual HTTP/DCS failover path: it tries the current
// leader's REST API first, and falls back to writing the DCS failover key if that
// call does not succeed. candidate == "" means "pick any eligible replica" and is
// left for the engine to resolve - the CLI never guesses a candidate itself.
// Interactive confirmation (unless --force was given) is the caller's job.
func (c *Client) Failover(ctx context.Context, currentLeader, candidate string) error {
	snap, err := c.DCS.GetCluster(ctx)
	if err != nil {
		return fmt.Errorf("query cluster: %w", err)
	}
	if snap.Leader == nil {
		fmt.Fprintln(c.Out, "Reality does not exist: no leader is currently held")
		return fmt.Errorf("no leader")
	}
	if currentLeader == "" {
		currentLeader = snap.Leader.Name
	}
	if snap.Leader.Name != currentLeader {
		fmt.Fprintf(c.Out, "%s is not the leader of cluster\n", currentLeader)
		return fmt.Errorf("precondition failed")
	}
	if candidate == currentLeader {
		fmt.Fprintln(c.Out, "target and source are the same")
		return fmt.Errorf("precondition failed")
	}
	if candidate != "" {
		found := false
		for _, m := range snap.Members {
			if m.Name == candidate {
				found = true
				break
			}
		}
		if !found {
			fmt.Fprintf(c.Out, "candidate %s does not exist\n", candidate)
			return fmt.Errorf("precondition failed")
		}
	}
	// Interactive confirmation (unless force) is handled by the caller before
	// Failover is invoked - this function only ever performs the action.
	leaderMember, ok := memberNamed(snap, currentLeader)
	if ok && leaderMember.APIBaseURL != "" {
		if err := c.tryHTTPFailover(ctx, leaderMember.APIBaseURL, currentLeader, candidate); err == nil {
			fmt.Fprintln(c.Out, "Failing over to new leader")
			return nil
		}
	}

	// Fast path failed or unavailable: fall back to the DCS slow path.
	if err := c.DCS.SetFailoverValue(ctx, cluster.Failover{Leader: currentLeader, Candidate: candidate}); err != nil {
		fmt.Fprintln(c.Out, "Aborting failover: could not write failover request")
		return err
	}
	fmt.Fprintln(c.Out, "Failing over to new leader (via DCS)")
	return nil
}

func (c *Client) tryHTTPFailover(ctx context.Context, baseURL, leader, candidate string) error {
	body, err := json.Marshal(map[string]string{"leader": leader, "candidate": candidate})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/failover", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http failover returned %d", resp.StatusCode)
	}
	return nil
}

func memberNamed(snap cluster.Snapshot, name string) (cluster.Member, bool) {
	for _, m := range snap.Members {
		if m.Name == name {
			return m, true
		}
	}
	return cluster.Member{}, false
}

// Restart calls POST /restart on the named member's REST API.
func (c *Client) Restart(ctx context.Context, member string) error {
	return c.postAction(ctx, member, "/restart")
}

// Reinit calls POST /reinitialize on the named member's REST API.
func (c *Client) Reinit(ctx context.Context, member string) error {
	return c.postAction(ctx, member, "/reinitialize")
}

func (c *Client) postAction(ctx context.Context, member, path string) error {
	snap, err := c.DCS.GetCluster(ctx)
	if err != nil {
		return fmt.Errorf("query cluster: %w", err)
	}
	m, ok := memberNamed(snap, member)
	if !ok {
		return fmt.Errorf("member %s does not exist", member)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(m.APIBaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(data))
	}
	fmt.Fprintf(c.Out, "%s: ok\n", member)
	return nil
}

// Remove deletes the cluster's leader key, requiring the operator to type the
// cluster name back and name the current master, exactly as the source tool does.
// Member records, the initialize marker and any failover key are left in place.
func (c *Client) Remove(ctx context.Context, clusterName, confirmName, currentMaster string) error {
	if confirmName != clusterName {
		fmt.Fprintln(c.Out, "You did not exactly type the cluster name")
		return fmt.Errorf("confirmation mismatch")
	}
	snap, err := c.DCS.GetCluster(ctx)
	if err != nil {
		return fmt.Errorf("query cluster: %w", err)
	}
	if snap.Leader == nil || snap.Leader.Name != currentMaster {
		fmt.Fprintln(c.Out, "You did not specify the current master of the cluster")
		return fmt.Errorf("master mismatch")
	}
	if err := c.DCS.DeleteLeader(ctx, currentMaster); err != nil {
		return fmt.Errorf("delete leader: %w", err)
	}
	fmt.Fprintf(c.Out, "cluster %s removed\n", clusterName)
	return nil
}

// Query prints the connection string to reach a named member (or the current
// leader if member is empty).
func (c *Client) Query(ctx context.Context, member string) error {
	snap, err := c.DCS.GetCluster(ctx)
	if err != nil {
		return fmt.Errorf("query cluster: %w", err)
	}
	if member == "" {
		if snap.Leader == nil {
			return fmt.Errorf("no leader")
		}
		member = snap.Leader.Name
	}
	m, ok := memberNamed(snap, member)
	if !ok {
		return fmt.Errorf("member %s does not exist", member)
	}
	fmt.Fprintln(c.Out, m.ConnString)
	return nil
}

// DSN is an alias for Query kept for parity with the source tool's subcommand name.
func (c *Client) DSN(ctx context.Context, member string) error {
	return c.Query(ctx, member)
}

// Configure loads path and re-saves it, surfacing a path-identifying error on a
// malformed file - configuration must round-trip through load/store unchanged.
func Configure(path string, mutate func(*config.Config)) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(cfg)
	}
	return config.Store(path, cfg)
}
