package client

import (
	"encoding/json"
	"net/url"

	"github.com/spf13/cobra"
)

// NewAccountCommand constructs the `account` command group and subcommands.
func NewAccountCommand(baseURL BaseURLFunc) *cobra.Command {
	accountCmd := &cobra.Command{Use: "account", Short: "Credit account operations"}

	accountCmd.AddCommand(
		newAccountBalanceCommand(baseURL),
		newAccountCreditCommand(baseURL),
	)

	return accountCmd
}

func newAccountBalanceCommand(baseURL BaseURLFunc) *cobra.Command {
	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show an owner's credit balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, _ := cmd.Flags().GetString("owner")

			var out map[string]any
			err := getJSON(cmd.Context(), baseURL()+"/v1/accounts/balance?owner="+url.QueryEscape(owner), &out)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	balanceCmd.Flags().String("owner", "", "Owner account id")
	return balanceCmd
}

func newAccountCreditCommand(baseURL BaseURLFunc) *cobra.Command {
	creditCmd := &cobra.Command{
		Use:   "credit",
		Short: "Add credits to an owner's balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			amount, _ := cmd.Flags().GetInt64("amount")

			var out map[string]any
			err := postJSON(cmd.Context(), baseURL()+"/v1/accounts/credit", map[string]any{
				"ownerId": owner,
				"amount":  amount,
			}, &out)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
		},
	}
	creditCmd.Flags().String("owner", "", "Owner account id")
	creditCmd.Flags().Int64("amount", 0, "Credits to add")
	return creditCmd
}
