// Package main provides the comply CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	opts    globalOptions
	app     *application
)

// globalOptions override the environment for one invocation.
type globalOptions struct {
	user      string
	plan      string
	session   string
	json      bool
	ephemeral bool
	pretty    bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "comply",
		Short: "Check marketing content against advertising guidelines",
		Long: `comply runs marketing copy and images through a compliance analysis,
tracks monthly usage against your plan and keeps a history of past checks.

Configuration is read from the environment and from ~/.comply/.env.
Use 'comply plans' to list plan limits.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeApp()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.user, "user", "", "Acting user id (default COMPLY_USER_ID)")
	pf.StringVar(&opts.plan, "plan", "", "Subscription plan (default COMPLY_PLAN)")
	pf.StringVar(&opts.session, "session", "", "Session id for the saved result (default COMPLY_SESSION_ID)")
	pf.BoolVar(&opts.json, "json", false, "Output as JSON")
	pf.BoolVar(&opts.ephemeral, "ephemeral", false, "Keep history and cache in memory only")
	pf.BoolVar(&opts.pretty, "pretty", true, "Colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "checks", Title: "Checks:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "server", Title: "Server:"},
	)

	for _, c := range []*cobra.Command{checkCmd(), statusCmd(), historyCmd(), deleteCmd(), resetCmd()} {
		c.GroupID = "checks"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{usageCmd(), plansCmd()} {
		c.GroupID = "account"
		rootCmd.AddCommand(c)
	}
	serve := serveCmd()
	serve.GroupID = "server"
	rootCmd.AddCommand(serve)

	if err := rootCmd.Execute(); err != nil {
		exitOnError(err)
	}
}

// exitOnError drains background work, prints err and exits.
func exitOnError(err error) {
	closeApp()
	fmt.Fprintf(os.Stderr, "Error: %s\n", errorText(err))
	os.Exit(1)
}
