package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"psilo/internal/app"
	"psilo/internal/types"
	"psilo/internal/zap"
)

const profileWait = 5 * time.Second

var (
	zapAmount    int64
	zapComment   string
	zapEvent     string
	zapKind      int
	zapRecipient string
	zapType      string
	zapRelays    []string
	invoiceQR    bool
)

var zapCmd = &cobra.Command{
	Use:   "zap [lightning-address]",
	Short: "pay a zap through the configured wallet",
	Long: `zap pays a lightning address or lnurl. Without one, the address is taken
from the kind 0 profile of --recipient.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core app.Core) error {
			req, err := zapRequest(addressArg(args), core)
			if err != nil {
				return err
			}
			if req.Lud16 == "" {
				fetchProfile(ctx, core, req.RecipientPubKey)
			}
			res, err := core.Zaps.Pay(ctx, req, printProgress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paid %d sats\npreimage %s\n", req.AmountSats, res.Preimage)
			return nil
		})
	},
}

var invoiceCmd = &cobra.Command{
	Use:   "invoice [lightning-address]",
	Short: "fetch a zap invoice without paying it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core app.Core) error {
			req, err := zapRequest(addressArg(args), core)
			if err != nil {
				return err
			}
			if req.Lud16 == "" {
				fetchProfile(ctx, core, req.RecipientPubKey)
			}
			res, err := core.Zaps.FetchInvoice(ctx, req, printProgress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Invoice)
			if invoiceQR {
				return writeQR(out, res.Invoice)
			}
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{zapCmd, invoiceCmd} {
		c.Flags().Int64VarP(&zapAmount, "amount", "a", 0, "amount in sats")
		c.Flags().StringVarP(&zapComment, "comment", "m", "", "zap comment")
		c.Flags().StringVarP(&zapEvent, "event", "e", "", "id of the zapped event")
		c.Flags().IntVarP(&zapKind, "kind", "k", 0, "kind of the zapped event")
		c.Flags().StringVarP(&zapRecipient, "recipient", "p", "", "recipient public key (hex)")
		c.Flags().StringVarP(&zapType, "type", "t", zap.Public.String(), "public, private, anonymous or nonzap")
		c.Flags().StringSliceVar(&zapRelays, "relays", nil, "relays for the zap receipt (default: configured relays)")
		_ = c.MarkFlagRequired("amount")
		rootCmd.AddCommand(c)
	}
	invoiceCmd.Flags().BoolVar(&invoiceQR, "qr", true, "render the invoice as a terminal QR code")
}

func addressArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func zapRequest(lud16 string, core app.Core) (zap.Request, error) {
	t, ok := zap.ParseType(zapType)
	if !ok {
		return zap.Request{}, fmt.Errorf("unknown zap type %q", zapType)
	}
	if lud16 == "" && zapRecipient == "" {
		return zap.Request{}, errors.New("give a lightning address or --recipient")
	}
	relays := zapRelays
	if len(relays) == 0 {
		relays = core.Config.Relays
	}
	return zap.Request{
		Lud16:           lud16,
		AmountSats:      zapAmount,
		Comment:         zapComment,
		EventID:         zapEvent,
		EventKind:       zapKind,
		RecipientPubKey: zapRecipient,
		Type:            t,
		Relays:          relays,
	}, nil
}

// fetchProfile asks the relays for the recipient's newest profile and waits
// until the feed holds one or profileWait passes
func fetchProfile(ctx context.Context, core app.Core, pubkey string) {
	relays := zapRelays
	if len(relays) == 0 {
		relays = core.Config.Relays
	}
	for _, url := range relays {
		if _, err := core.Pool.ConnectToRelay(ctx, url); err != nil {
			core.Logger.Debug("relay connect failed", "relay", url, "error", err)
		}
	}
	sub := core.Feed.Follow(core.Pool, relays, []types.Filter{{
		Kinds:   []int{types.KindMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}})
	defer sub.Close()

	deadline := time.NewTimer(profileWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if p, ok := core.Feed.Profile(pubkey); ok && p.PayAddress() != "" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func printProgress(w io.Writer) zap.Observer {
	return func(p zap.Progress) {
		switch {
		case p.Failed != nil:
			fmt.Fprintf(w, "failed: %s\n", p.Failed.Error())
		case p.Done:
			fmt.Fprintln(w, "done")
		default:
			fmt.Fprintf(w, "%s...\n", p.Stage)
		}
	}
}

func writeQR(w io.Writer, invoice string) error {
	qr, err := qrcode.New("lightning:"+invoice, qrcode.Low)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, qr.ToSmallString(false))
	return err
}
