// Command haguardctl is the operator-facing CLI: list, members, failover, restart,
// reinit, remove, query, dsn and configure. Destructive actions prompt for
// confirmation unless --force is given, matching the source tool's interactive
// safety rails.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"haguard/internal/config"
	"haguard/internal/ctl"
	"haguard/internal/dcs"
)

var (
	configPath string
	format     string
	force      bool
)

func main() {
	root := &cobra.Command{
		Use:   "haguardctl",
		Short: "Operate a haguard-managed database cluster",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/haguard/haguard.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&format, "format", "pretty", "output format: pretty, json, tsv")
	root.PersistentFlags().BoolVar(&force, "force", false, "skip interactive confirmation for destructive actions")

	root.AddCommand(
		listCmd(),
		membersCmd(),
		failoverCmd(),
		restartCmd(),
		reinitCmd(),
		removeCmd(),
		queryCmd(),
		dsnCmd(),
		configureCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() (*ctl.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := dcs.NewEtcdClient(dcs.EtcdConfig{
		Endpoints:   cfg.DCS.Endpoints,
		ClusterName: cfg.ClusterName,
		Namespace:   cfg.DCS.Namespace,
		DialTimeout: cfg.DCS.DialTimeout,
		Username:    cfg.DCS.Username,
		Password:    cfg.DCS.Password,
	}, zap.NewNop())
	if err != nil {
		return nil, err
	}
	return ctl.NewClient(cfg, store, os.Stdout), nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cluster members and the current leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.List(context.Background(), format)
		},
	}
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "Alias of list",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Members(context.Background(), format)
		},
	}
}

func failoverCmd() *cobra.Command {
	var master, candidate string
	cmd := &cobra.Command{
		Use:   "failover <cluster>",
		Short: "Perform a manual leadership handover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !force && !confirm(fmt.Sprintf("Confirm failover of cluster %s [y/N]: ", args[0])) {
				fmt.Println("Aborting failover")
				return nil
			}
			return c.Failover(context.Background(), master, candidate)
		},
	}
	cmd.Flags().StringVar(&master, "master", "", "current leader name")
	cmd.Flags().StringVar(&candidate, "candidate", "", "candidate member name")
	return cmd
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <member>",
		Short: "Restart a member's database process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !force && !confirm(fmt.Sprintf("Confirm restart of %s [y/N]: ", args[0])) {
				fmt.Println("Aborting restart")
				return nil
			}
			return c.Restart(context.Background(), args[0])
		},
	}
}

func reinitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinit <member>",
		Short: "Wipe and reclone a member's data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if !force && !confirm(fmt.Sprintf("Confirm reinitialize of %s [y/N]: ", args[0])) {
				fmt.Println("Aborting reinitialize")
				return nil
			}
			return c.Reinit(context.Background(), args[0])
		},
	}
}

func removeCmd() *cobra.Command {
	var master string
	cmd := &cobra.Command{
		Use:   "remove <cluster>",
		Short: "Permanently remove a cluster's leadership record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			clusterName := args[0]
			confirmed := clusterName
			if !force {
				fmt.Printf("Type the cluster name to confirm removal of %s: ", clusterName)
				confirmed = readLine()
			}
			return c.Remove(context.Background(), clusterName, confirmed, master)
		},
	}
	cmd.Flags().StringVar(&master, "master", "", "current master name, required to confirm removal")
	return cmd
}

func queryCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the connection string for a member (default: leader)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Query(context.Background(), member)
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member name")
	return cmd
}

func dsnCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "dsn",
		Short: "Alias of query",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.DSN(context.Background(), member)
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member name")
	return cmd
}

func configureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Reload and re-save the configuration file, validating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl.Configure(configPath, nil)
		},
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	answer := readLine()
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

func readLine() string {
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
