package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	apiclient "github.com/splax/saturn/pkg/api/client"
)

func newDeployCmd() *cobra.Command {
	var (
		uuids []string
		input apiclient.DeployRequest
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Queue deployments by resource uuid or tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			input.UUIDs = uuids
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				resp, err := cli.Deploy(ctx, input)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(resp)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Deployment", "Resource", "Message"})
				for _, d := range resp.Deployments {
					tw.AppendRow(table.Row{d.DeploymentUUID, d.ResourceUUID, d.Message})
				}
				tw.Render()
				if len(resp.Skipped) > 0 {
					fmt.Fprintf(os.Stderr, "skipped: %s\n", strings.Join(resp.Skipped, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&uuids, "uuid", nil, "resource uuid (repeatable or comma separated)")
	cmd.Flags().StringVar(&input.Tag, "tag", "", "deploy every resource with this tag")
	cmd.Flags().BoolVar(&input.Force, "force", false, "rebuild without cache")
	cmd.Flags().IntVar(&input.PullRequestID, "pr", 0, "pull request id (uuid deploys only)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and running deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				items, err := cli.ListActive(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				renderDeployments(items)
				return nil
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-uuid>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				item, err := cli.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(item)
				}
				renderDeployments([]apiclient.Deployment{item})
				if item.Logs != nil && *item.Logs != "" {
					fmt.Println()
					fmt.Print(*item.Logs)
				}
				return nil
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-uuid>",
		Short: "Cancel a queued or running deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				resp, err := cli.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(resp)
				}
				fmt.Println(resp.Message)
				if resp.StopPending {
					fmt.Fprintln(os.Stderr, "the stop signal will be retried until the build exits")
				}
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var skip, take int
	cmd := &cobra.Command{
		Use:   "history <application-uuid>",
		Short: "Page through an application's deployments, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				page, err := cli.ListByApplication(ctx, args[0], skip, take)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(page)
				}
				renderDeployments(page.Deployments)
				fmt.Printf("showing %d of %d\n", len(page.Deployments), page.Count)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "entries to skip")
	cmd.Flags().IntVar(&take, "take", 10, "entries to return")
	return cmd
}

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Manage git webhooks"}
	var secret string
	set := &cobra.Command{
		Use:   "set-secret <resource-uuid>",
		Short: "Store the signing secret of a resource's git webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				if err := cli.SetWebhookSecret(ctx, args[0], secret); err != nil {
					return err
				}
				fmt.Println("webhook secret saved")
				return nil
			})
		},
	}
	set.Flags().StringVar(&secret, "secret", "", "shared HMAC secret")
	_ = set.MarkFlagRequired("secret")
	cmd.AddCommand(set)
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderDeployments(items []apiclient.Deployment) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Deployment", "Application", "Status", "PR", "Force", "Created"})
	for _, d := range items {
		pr := ""
		if d.PullRequestID > 0 {
			pr = fmt.Sprintf("#%d", d.PullRequestID)
		}
		tw.AppendRow(table.Row{d.DeploymentUUID, d.ApplicationUUID, d.Status, pr, d.ForceRebuild, d.CreatedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
}
