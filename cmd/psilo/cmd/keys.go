package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"psilo/internal/signer"
)

var loginPackage string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a new nostr key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := signer.GenerateKeyPair()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "npub   %s\n", keys.Npub())
		fmt.Fprintf(out, "nsec   %s\n", keys.Nsec())
		fmt.Fprintf(out, "pubkey %s\n", keys.PubKeyHex())
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login-request [result]",
	Short: "print the external signer login intent, or parse its result",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			uri, err := signer.LoginRequest(signer.DefaultPermissions())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, uri)
			return nil
		}
		res, err := signer.ParseLoginResult(args[0], loginPackage)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "signer.public_key: %s\nsigner.external_package: %s\n", res.PubKey, res.Package)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPackage, "package", "com.greenart7c3.nostrsigner", "signer application that answered")
	rootCmd.AddCommand(keygenCmd, loginCmd)
}
