package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"psilo/internal/app"
)

var refreshInfo bool

var relayInfoCmd = &cobra.Command{
	Use:   "relay-info <relay-url>...",
	Short: "print the NIP-11 information document of one or more relays",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core app.Core) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, url := range args {
				if refreshInfo {
					core.RelayInfo.Invalidate(ctx, url)
				}
				info, err := core.RelayInfo.Get(ctx, url)
				if err != nil {
					core.Logger.Error("relay info fetch failed", "relay", url, "error", err)
					continue
				}
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	relayInfoCmd.Flags().BoolVar(&refreshInfo, "refresh", false, "ignore the cached document")
	rootCmd.AddCommand(relayInfoCmd)
}
