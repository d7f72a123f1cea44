package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/tenantfleet/internal/apiclient"
)

// cli carries the flags shared by every command.
type cli struct {
	apiURL      string
	apiKey      string
	adminSecret string
	timeout     time.Duration
}

func (c *cli) client() *apiclient.Client {
	return apiclient.New(apiclient.Config{
		BaseURL:     c.apiURL,
		APIKey:      c.apiKey,
		AdminSecret: c.adminSecret,
		Timeout:     c.timeout,
	})
}

// call runs fn against the API and prints the JSON response.
func (c *cli) call(cmd *cobra.Command, fn func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	raw, err := fn(ctx, c.client())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate tenant instances on a tenantfleet server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.apiURL, "api-url", envOr("FLEET_API_URL", "http://localhost:8080"), "API base URL (FLEET_API_URL)")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv("FLEET_API_KEY"), "operator API key (FLEET_API_KEY)")
	root.PersistentFlags().StringVar(&c.adminSecret, "admin-secret", os.Getenv("FLEET_ADMIN_SECRET"), "admin secret for key issuance (FLEET_ADMIN_SECRET)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newInstancesCmd(c),
		newAccountsCmd(c),
		newSubscriptionsCmd(c),
		newKeysCmd(c),
		&cobra.Command{
			Use:   "health",
			Short: "Show server readiness",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
					return api.Health(ctx)
				})
			},
		},
	)
	return root
}

// --- instances ---

func newInstancesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"inst", "i"},
		Short:   "Provision and operate instances",
	}

	var opts apiclient.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return api.ListInstances(ctx, opts)
			})
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "filter by status")
	list.Flags().StringVar(&opts.SubscriptionID, "subscription", "", "filter by subscription id")
	list.Flags().StringVar(&opts.AccountID, "account", "", "filter by account id")
	list.Flags().StringVar(&opts.Cursor, "cursor", "", "continue after this cursor")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "page size (server default 50)")

	var yes bool
	deprovision := &cobra.Command{
		Use:   "deprovision <instance-id>",
		Short: "DANGER: tear an instance down and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to deprovision %s without --yes", args[0])
			}
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return api.Deprovision(ctx, args[0])
			})
		},
	}
	deprovision.Flags().BoolVar(&yes, "yes", false, "confirm the teardown")

	cmd.AddCommand(
		list,
		idCommand(c, "get", "Show an instance", func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
			return api.GetInstance(ctx, id)
		}),
		idCommand(c, "history", "Show the transition log", func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
			return api.InstanceHistory(ctx, id)
		}),
		&cobra.Command{
			Use:   "provision <subscription-id>",
			Short: "Provision an instance for a subscription",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
					return api.Provision(ctx, args[0])
				})
			},
		},
		actionCommand(c, "start", "Start a stopped instance"),
		actionCommand(c, "stop", "Stop a running instance"),
		actionCommand(c, "restart", "Restart a running instance"),
		actionCommand(c, "retry", "Retry a failed instance"),
		actionCommand(c, "limits", "Re-apply the subscription's current tier limits"),
		deprovision,
	)
	return cmd
}

func idCommand(c *cli, name, short string, fn func(context.Context, *apiclient.Client, string) (json.RawMessage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return fn(ctx, api, args[0])
			})
		},
	}
}

func actionCommand(c *cli, action, short string) *cobra.Command {
	return idCommand(c, action, short, func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
		return api.Action(ctx, id, action)
	})
}

// --- accounts ---

func newAccountsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage tenant accounts",
	}

	var slug string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return api.CreateAccount(ctx, args[0], slug)
			})
		},
	}
	create.Flags().StringVar(&slug, "slug", "", "URL slug (derived from the name when empty)")

	cmd.AddCommand(
		create,
		idCommand(c, "get", "Show an account and its open subscription", func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
			return api.GetAccount(ctx, id)
		}),
		idCommand(c, "delete", "Soft-delete an account and cancel its subscription", func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
			return api.DeleteAccount(ctx, id)
		}),
	)
	return cmd
}

// --- subscriptions ---

func newSubscriptionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage subscriptions",
	}

	var status, billingRef string
	create := &cobra.Command{
		Use:   "create <account-id> <tier>",
		Short: "Open a subscription for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return api.Subscribe(ctx, args[0], args[1], status, billingRef)
			})
		},
	}
	create.Flags().StringVar(&status, "status", "", "initial status: trialing or active")
	create.Flags().StringVar(&billingRef, "billing-ref", "", "billing provider subscription id")

	cmd.AddCommand(
		create,
		idCommand(c, "get", "Show a subscription", func(ctx context.Context, api *apiclient.Client, id string) (json.RawMessage, error) {
			return api.GetSubscription(ctx, id)
		}),
		&cobra.Command{
			Use:   "tier <subscription-id> <tier>",
			Short: "Change a subscription's tier",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
					return api.ChangeTier(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "status <subscription-id> <status>",
			Short: "Set a subscription's billing status",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
					return api.SetSubscriptionStatus(ctx, args[0], args[1])
				})
			},
		},
	)
	return cmd
}

// --- keys ---

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage operator API keys",
	}

	var name string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <operator>",
		Short: "Issue an API key to an operator (needs --admin-secret)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, func(ctx context.Context, api *apiclient.Client) (json.RawMessage, error) {
				return api.IssueKey(ctx, args[0], name, ttl)
			})
		},
	}
	issue.Flags().StringVar(&name, "name", "fleetctl", "key name")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime (0 = no expiry)")

	cmd.AddCommand(issue)
	return cmd
}
