package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkmonarch/atomiq-mark-1/internal/config"
	"github.com/rkmonarch/atomiq-mark-1/internal/swap"
)

var errCancelled = errors.New("swap cancelled")

func newSwapCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap <direction> <token> <amount-sats> [destination]",
		Short: "Run a single swap in the foreground",
		Long: `Quotes, commits and completes one swap, then exits.

Directions:
  to_lightning    pay a Lightning invoice, LNURL or lightning address with tokens
  to_onchain      send BTC to an address, paid with tokens
  from_lightning  pay a Lightning invoice, receive tokens
  from_onchain    send BTC to a swap address, receive tokens

The amount is the Bitcoin leg in sats.

Examples:
  atomiqd swap to_lightning USDC 25000 lnbc250u1p...
  atomiqd swap to_lightning USDC 10000 alice@example.com --comment "thanks"
  atomiqd swap to_onchain USDC 150000
  atomiqd swap from_onchain WBTC 500000 --yes`,
		Args:    cobra.RangeArgs(3, 4),
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwap(cmd.Context(), v, args)
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
	cmd.Flags().String("comment", "", "Comment for LNURL-pay recipients")
	return cmd
}

func runSwap(parent context.Context, v *viper.Viper, args []string) error {
	direction, err := swap.ParseDirection(args[0])
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(args[2], 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive number of sats, got %q", args[2])
	}
	intent := swap.Intent{
		Direction: direction,
		Token:     strings.ToUpper(args[1]),
		Amount:    amount,
		Comment:   v.GetString("comment"),
	}
	if len(args) == 4 {
		intent.Destination = args[3]
	}

	s, err := loadSession(v)
	if err != nil {
		return err
	}
	defer s.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, v, s)
	if err != nil {
		return err
	}
	defer a.Close()

	if intent.Direction == swap.ToOnchain && intent.Destination == "" {
		if a.wallet == nil {
			return errors.New("to_onchain needs a destination address when no wallet is unlocked")
		}
		addr, err := a.wallet.BitcoinAddress(s.cfg.Escrow.AccountIndex)
		if err != nil {
			return err
		}
		intent.Destination = addr.EncodeAddress()
		color.Yellow("Sending to wallet address %s", intent.Destination)
	}

	token, _ := s.cfg.Token(intent.Token)
	skipConfirm := v.GetBool("yes")

	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	sp.Suffix = " Fetching quote..."
	sp.Start()

	result, err := a.swapper.Execute(ctx, intent, swap.ExecuteOptions{
		Approve: func(q *swap.Quote) error {
			sp.Stop()
			displayQuote(q, token)
			if !skipConfirm && !confirmSwap() {
				return errCancelled
			}
			setSuffix(sp, " Locking escrow...")
			sp.Start()
			return nil
		},
		OnCommitted: func(sw *swap.Swap) {
			sp.Stop()
			displayCommitted(sw)
			setSuffix(sp, " Waiting for payment...")
			sp.Start()
		},
		OnProgress: func(ev swap.PaymentEvent) {
			setSuffix(sp, " "+describeProgress(ev))
		},
	})
	sp.Stop()

	if errors.Is(err, errCancelled) {
		fmt.Println("\nSwap cancelled.")
		return nil
	}
	if err != nil {
		if result != nil && result.Swap != nil {
			displayOutcome(result.Swap)
			if ctx.Err() != nil && !result.Swap.IsTerminal() {
				color.Yellow("\nThe swap is saved. Run 'atomiqd run' to finish or refund it.")
			}
		}
		return err
	}

	displayOutcome(result.Swap)
	if result.SuccessAction != nil {
		displaySuccessAction(result.SuccessAction)
	}
	return nil
}

func setSuffix(sp *spinner.Spinner, suffix string) {
	sp.Lock()
	sp.Suffix = suffix
	sp.Unlock()
}

func confirmSwap() bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("\nProceed with swap? (y/N): ")

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// formatAmount renders an amount in its unit. Token base units are scaled
// by the token's decimals.
func formatAmount(n *big.Int, unit string, token config.TokenConfig) string {
	if n == nil {
		return "-"
	}
	if unit == swap.UnitSats {
		return n.String() + " sats"
	}
	return decimal.NewFromBigInt(n, -int32(token.Decimals)).String() + " " + token.ID
}

func displayQuote(q *swap.Quote, token config.TokenConfig) {
	if token.ID == "" {
		token.ID = q.Intent.Token
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Green("                     SWAP QUOTE")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("\n  Direction:         %s\n", color.YellowString(q.Intent.Direction.String()))
	fmt.Printf("  You pay:           %s\n", formatAmount(q.InputAmount, q.Unit, token))
	fmt.Printf("  Fee:               %s\n", formatAmount(q.Fee, q.Unit, token))
	if q.CounterAmount != nil {
		fmt.Printf("  You receive:       %s\n", formatAmount(q.CounterAmount, q.CounterUnit, token))
	} else {
		fmt.Printf("  You receive:       %s\n", formatAmount(q.OutputAmount, q.Unit, token))
	}
	if q.PaymentTarget != "" && q.Intent.Direction.Outgoing() {
		fmt.Printf("  Destination:       %s\n", color.CyanString(truncate(q.PaymentTarget, 40)))
	}
	fmt.Printf("  Rate deviation:    %.4f%%\n", float64(q.DeviationPPM)/10_000)
	fmt.Printf("  Quote expires:     %s\n", q.Expiry.Local().Format(time.TimeOnly))

	fmt.Println("\n" + strings.Repeat("=", 60))
}

func displayCommitted(sw *swap.Swap) {
	fmt.Println()
	color.Green("Escrow locked: %s", sw.ID)
	if sw.Escrow != nil && sw.Escrow.TxID != "" {
		fmt.Printf("  Lock tx:  %s\n", sw.Escrow.TxID)
	}

	if sw.Direction.Outgoing() {
		fmt.Println()
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Yellow("                 PAYMENT INSTRUCTIONS")
	fmt.Println(strings.Repeat("=", 60))
	if sw.Direction == swap.FromLightning {
		fmt.Printf("\nPay this Lightning invoice:\n\n")
	} else {
		fmt.Printf("\nSend exactly %s sats to:\n\n", sw.Quote.InputAmount)
	}
	color.Cyan("  %s\n", sw.PaymentRequest)
	fmt.Printf("\nQR data: %s\n", sw.QRData())
	fmt.Printf("Pay before %s\n", sw.Timeout.Local().Format(time.DateTime))
	fmt.Println(strings.Repeat("=", 60) + "\n")
}

func describeProgress(ev swap.PaymentEvent) string {
	switch ev.Kind {
	case swap.EventInvoiceSettled:
		return "Lightning payment received, claiming..."
	case swap.EventTxSeen:
		return fmt.Sprintf("Transaction %s seen, waiting for confirmations...", truncate(ev.TxID, 16))
	case swap.EventTxConfirmed:
		return fmt.Sprintf("Confirmations %d/%d...", ev.Confirmations, ev.TargetConfirmations)
	case swap.EventEscrowClaimed:
		return "Recipient paid, escrow claimed"
	default:
		return "Waiting for payment..."
	}
}

func displayOutcome(sw *swap.Swap) {
	fmt.Println()
	switch sw.State {
	case swap.StateClaimed:
		color.Green("Swap %s completed", sw.ID)
		if sw.Outcome.ClaimTxID != "" {
			fmt.Printf("  Claim tx:   %s\n", sw.Outcome.ClaimTxID)
		}
		if sw.Outcome.ClaimedBy != "" {
			fmt.Printf("  Claimed by: %s\n", sw.Outcome.ClaimedBy)
		}
	case swap.StateRefunded:
		color.Yellow("Swap %s refunded", sw.ID)
		if sw.Outcome.RefundTxID != "" {
			fmt.Printf("  Refund tx:  %s\n", sw.Outcome.RefundTxID)
		}
	default:
		color.Red("Swap %s is %s", sw.ID, sw.State)
		if sw.LastError != "" {
			fmt.Printf("  Last error: %s\n", sw.LastError)
		}
	}
}

func displaySuccessAction(sa *swap.SuccessAction) {
	fmt.Println()
	switch {
	case sa.Message != "":
		color.Cyan("Message from recipient: %s", sa.Message)
	case sa.URL != "":
		color.Cyan("%s: %s", sa.Description, sa.URL)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
