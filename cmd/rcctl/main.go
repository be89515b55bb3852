// Package main implements rcctl, the command-line client for the regcycled
// HTTP API.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server  string
	tenant  string
	user    string
	role    string
	json    bool
	timeout time.Duration
}

func (o *globalOptions) client() (*apiClient, error) {
	if o.tenant == "" {
		return nil, fmt.Errorf("--tenant is required (or set REGCYCLE_TENANT)")
	}
	return newAPIClient(o.server, o.tenant, o.user, o.role, o.timeout), nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "rcctl",
		Short: "CLI for the regcycled HTTP API",
		Long: `rcctl is a command-line interface for the regcycled daemon.
It checks daemon health, lists work awaiting a human decision, records
decisions and inspects reporting cycles.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.server, "server", envOr("REGCYCLE_SERVER", "http://localhost:9090"), "regcycled server URL")
	root.PersistentFlags().StringVar(&opts.tenant, "tenant", os.Getenv("REGCYCLE_TENANT"), "Tenant identifier")
	root.PersistentFlags().StringVar(&opts.user, "user", os.Getenv("REGCYCLE_USER"), "Acting user identifier")
	root.PersistentFlags().StringVar(&opts.role, "role", os.Getenv("REGCYCLE_ROLE"), "Acting user role")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Output results as JSON")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(newHealthCmd(opts))
	root.AddCommand(newPendingCmd(opts))
	root.AddCommand(newDecideCmd(opts))
	root.AddCommand(newCycleCmd(opts))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
