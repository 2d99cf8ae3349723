package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiclient "github.com/splax/saturn/pkg/api/client"
)

var buildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "saturn",
	Short:         "Saturn deployment queue CLI",
	Long:          "Queue, inspect and cancel deployments, and administer api tokens and resources.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       buildVersion,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SATURN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("api", "http://localhost:4000", "API base URL")
	rootCmd.PersistentFlags().String("token", "", "api token (or SATURN_TOKEN)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Duration("timeout", 15*time.Second, "request timeout")
	_ = viper.BindPFlag("api", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func registerCommands() {
	rootCmd.AddCommand(newDeployCmd(), newListCmd(), newGetCmd(), newCancelCmd(), newHistoryCmd(), newWebhookCmd(), newAdminCmd())
}

// withClient runs fn with an authenticated API client and a request deadline.
func withClient(fn func(ctx context.Context, cli *apiclient.Client) error) error {
	token := strings.TrimSpace(viper.GetString("token"))
	if token == "" {
		return fmt.Errorf("an api token is required (--token or SATURN_TOKEN)")
	}
	cli, err := apiclient.New(viper.GetString("api"), token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()
	return fn(ctx, cli)
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
