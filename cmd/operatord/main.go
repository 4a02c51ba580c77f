package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OperatorHub/internal/config"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/remote"
	"OperatorHub/pkg/plugin"
)

// main 是 operatord 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "operatord 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "operatord",
		Short:        "Serve plugin metadata, operators and the invocation queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveFromFile(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to the JSON configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveFromFile(cmd.Context(), configPath)
		},
	}

	root.AddCommand(serve, newPluginsCommand(), newOperatorsCommand())
	return root
}

func serveFromFile(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return serve(ctx, cfg)
}

func newPluginsCommand() *cobra.Command {
	var (
		dir         string
		hostVersion string
	)
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the plugin definitions discovered in a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := plugin.DirectoryFetcher{Config: plugin.ManagerConfig{PluginDir: dir, HostVersion: hostVersion}}.FetchPlugins(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"plugins": defs})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "plugins", "Plugin directory to scan")
	cmd.Flags().StringVar(&hostVersion, "host-version", "", "Host version used for compatibility checks")
	return cmd
}

func newOperatorsCommand() *cobra.Command {
	var (
		server string
		query  string
	)
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "List the operators of a running daemon, ranked by an optional query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := remote.NewClient(server, nil)
			if err != nil {
				return err
			}
			listing, err := client.ListOperators(cmd.Context())
			if err != nil {
				return err
			}
			if query != "" {
				listing.AllOperators = operator.Rank(query, listing.AllOperators, nil)
			}
			return printJSON(cmd, listing)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Base URL of the daemon")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Fuzzy query over label, name, URI and description")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
