package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"psilo/internal/app"
	"psilo/internal/services"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "query the balance of the connected wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core app.Core) error {
			if core.WalletConfig == nil {
				return errors.New("no wallet configured, set nwc.uri")
			}
			res, err := core.Wallet.GetBalance(ctx, core.WalletConfig)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sats\n", services.MsatsToSats(res.Balance))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
