package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/canopymail/core/internal/provision"
	"github.com/canopymail/core/pkg/accounts"
	"github.com/canopymail/core/pkg/store"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage provider accounts",
}

var accountAuthEmail string

var accountAuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Provision a new account via the OAuth loopback flow",
	RunE:  runAccountAuth,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned accounts",
	RunE:  runAccountList,
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAuthCmd)
	accountCmd.AddCommand(accountListCmd)

	accountAuthCmd.Flags().StringVar(&accountAuthEmail, "email", "", "account email address (required)")
	_ = accountAuthCmd.MarkFlagRequired("email")
}

func runAccountAuth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tokens, err := provision.Run(ctx, provision.Config{
		ClientID:     appConfig.OAuth.ClientID,
		ClientSecret: appConfig.OAuth.ClientSecret,
		AuthURL:      appConfig.OAuth.AuthURL,
		TokenURL:     appConfig.OAuth.TokenURL,
		Scopes:       []string{"https://mail.google.com/"},
	}, os.Stdout)
	if err != nil {
		return err
	}

	db, err := store.OpenAndMigrate(ctx, store.Config{Path: appConfig.Database.Path, URL: appConfig.Database.URL, AuthToken: appConfig.Database.AuthToken})
	if err != nil {
		return err
	}
	defer db.Close()

	repo := accounts.New(db)
	account, err := repo.Create(ctx, accountAuthEmail, "gmail", accounts.Config{
		ClientID:     appConfig.OAuth.ClientID,
		ClientSecret: appConfig.OAuth.ClientSecret,
		OAuth:        *tokens,
	}, accounts.State{SyncStatus: accounts.SyncStatusNeedsBackfill})
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(account)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	db, err := store.OpenAndMigrate(ctx, store.Config{Path: appConfig.Database.Path, URL: appConfig.Database.URL, AuthToken: appConfig.Database.AuthToken})
	if err != nil {
		return err
	}
	defer db.Close()

	repo := accounts.New(db)
	all, err := repo.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, a := range all {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", a.ID, a.Email, a.State.SyncStatus)
	}
	return nil
}
