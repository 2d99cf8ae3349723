package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splax/saturn/internal/app/store"
	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
	"github.com/splax/saturn/internal/service/auth"
	apiclient "github.com/splax/saturn/pkg/api/client"
	"github.com/splax/saturn/pkg/config"
)

// newAdminCmd groups commands that talk to the database directly using the API's configuration.
func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Operator commands that use the API's database settings"}
	var configFile string
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional API config file")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configFile == "" {
			return nil
		}
		return config.LoadFile(configFile)
	}

	tokens := &cobra.Command{Use: "token", Short: "Manage api tokens"}
	tokens.AddCommand(newTokenIssueCmd(), newTokenRevokeCmd())
	resources := &cobra.Command{Use: "resource", Short: "Manage deployable resources"}
	resources.AddCommand(newResourceRegisterCmd())
	cmd.AddCommand(tokens, resources)
	return cmd
}

func withStore(fn func(ctx context.Context, st repository.Store, cfg config.APIConfig) error) error {
	cfg := config.LoadAPIConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st, cfg)
}

func newTokenIssueCmd() *cobra.Command {
	var team, name string
	var abilities []string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an api token for a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st repository.Store, cfg config.APIConfig) error {
				svc := auth.New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), auth.Config{JWTSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL})
				issued, err := svc.IssueToken(ctx, team, name, abilities)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{
						"id":        issued.Token.ID,
						"team_id":   issued.Token.TeamID,
						"abilities": issued.Token.Abilities,
						"token":     issued.Secret,
					})
				}
				fmt.Printf("token id: %s\nabilities: %s\n\n%s\n", issued.Token.ID, strings.Join(issued.Token.Abilities, ","), issued.Secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&name, "name", "cli", "token name")
	cmd.Flags().StringSliceVar(&abilities, "abilities", []string{"read", "deploy"}, "abilities: root, read, write, deploy, read:sensitive")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func newTokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an api token through the API (needs a write token)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, cli *apiclient.Client) error {
				if err := cli.RevokeToken(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("token revoked")
				return nil
			})
		},
	}
}

func newResourceRegisterCmd() *cobra.Command {
	var (
		team, kind, name, server string
		tags                     []string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a deployable resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceKind := domain.ResourceKind(kind)
			if !resourceKind.Valid() {
				return fmt.Errorf("unknown resource kind %q", kind)
			}
			return withStore(func(ctx context.Context, st repository.Store, _ config.APIConfig) error {
				resource := domain.Resource{
					ID:        uuid.NewString(),
					UUID:      uuid.NewString(),
					TeamID:    team,
					Kind:      resourceKind,
					Name:      name,
					ServerID:  server,
					CreatedAt: time.Now().UTC(),
				}
				if err := st.CreateResource(ctx, &resource); err != nil {
					return err
				}
				for _, tagName := range tags {
					tag := domain.Tag{ID: uuid.NewString(), TeamID: team, Name: strings.TrimSpace(tagName)}
					if tag.Name == "" {
						continue
					}
					if err := st.AttachTag(ctx, &tag, resource.ID); err != nil {
						return fmt.Errorf("attach tag %s: %w", tag.Name, err)
					}
				}
				if jsonOutput() {
					return printJSON(resource)
				}
				fmt.Println(resource.UUID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "owning team id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindApplication), "application, service or database")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&server, "server", "", "destination server id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag names")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
