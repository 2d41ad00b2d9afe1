package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"AgentDCA/sdk/go/dca"
)

type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &globalOptions{
		server: os.Getenv("DCA_SERVER"),
		token:  os.Getenv("DCA_OPERATOR_TOKEN"),
	}
	if opts.server == "" {
		opts.server = "http://localhost:8080"
	}

	root := &cobra.Command{
		Use:           "dcactl",
		Short:         "Operate a running dcad instance",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", opts.server, "dcad API base URL (env DCA_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", opts.token, "operator bearer token (env DCA_OPERATOR_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		newCallCommand(opts, "reconcile", "Cancel or pause orders whose authorization is broken", func(ctx context.Context, c *dca.Client) (any, error) {
			return c.Reconcile(ctx)
		}),
		newCallCommand(opts, "backfill", "Copy agent key approvals into orders missing them", func(ctx context.Context, c *dca.Client) (any, error) {
			return c.Backfill(ctx)
		}),
		newCallCommand(opts, "stats", "Print order counts by status", func(ctx context.Context, c *dca.Client) (any, error) {
			return c.Stats(ctx)
		}),
		newCallCommand(opts, "tick", "Run one scheduler pass now", func(ctx context.Context, c *dca.Client) (any, error) {
			return c.Tick(ctx)
		}),
		newOrderCommand(opts),
	)
	return root
}

func newOrderCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect and change a single order",
	}
	var reason string

	get := newArgCommand(opts, "get <order-id>", "Show an order", func(ctx context.Context, c *dca.Client, id string) (any, error) {
		return c.GetOrder(ctx, id)
	})
	cancel := newArgCommand(opts, "cancel <order-id>", "Cancel an order", func(ctx context.Context, c *dca.Client, id string) (any, error) {
		return c.CancelOrder(ctx, id, reason)
	})
	cancel.Flags().StringVar(&reason, "reason", "", "reason recorded on the order")
	pause := newArgCommand(opts, "pause <order-id>", "Pause an order", func(ctx context.Context, c *dca.Client, id string) (any, error) {
		return c.PauseOrder(ctx, id, reason)
	})
	pause.Flags().StringVar(&reason, "reason", "", "reason recorded on the order")
	resume := newArgCommand(opts, "resume <order-id>", "Resume a paused order", func(ctx context.Context, c *dca.Client, id string) (any, error) {
		return c.ResumeOrder(ctx, id)
	})

	cmd.AddCommand(get, cancel, pause, resume)
	return cmd
}

func newCallCommand(opts *globalOptions, use, short string, call func(context.Context, *dca.Client) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(cmd, opts, call)
		},
	}
}

func newArgCommand(opts *globalOptions, use, short string, call func(context.Context, *dca.Client, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd, opts, func(ctx context.Context, c *dca.Client) (any, error) {
				return call(ctx, c, args[0])
			})
		},
	}
}

func invoke(cmd *cobra.Command, opts *globalOptions, call func(context.Context, *dca.Client) (any, error)) error {
	client, err := dca.NewClient(opts.server, nil)
	if err != nil {
		return err
	}
	client.SetAccessToken(opts.token)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	result, err := call(ctx, client)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
