package main

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkmonarch/atomiq-mark-1/internal/storage"
)

// The status and list commands read the database directly and need neither
// chain connections nor the wallet.

func openStore(v *viper.Viper) (*session, *storage.Storage, error) {
	s, err := loadSession(v)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(&storage.Config{DataDir: s.cfg.DataDir})
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return s, store, nil
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "status <swap-id>",
		Short:   "Show a swap and its state history",
		Args:    cobra.ExactArgs(1),
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, store, err := openStore(v)
			if err != nil {
				return err
			}
			defer s.Close()
			defer store.Close()

			rec, err := store.GetSwap(args[0])
			if errors.Is(err, storage.ErrSwapNotFound) {
				return fmt.Errorf("swap %s not found", args[0])
			}
			if err != nil {
				return err
			}

			printSwapRecord(rec)

			events, err := store.ListSwapEvents(rec.ID)
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Println("\nHistory:")
				for _, ev := range events {
					from := ev.FromState
					if from == "" {
						from = "-"
					}
					line := fmt.Sprintf("  %s  %s -> %s", ev.CreatedAt.Local().Format(time.DateTime), from, ev.ToState)
					if ev.Detail != "" {
						line += "  (" + ev.Detail + ")"
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func printSwapRecord(rec *storage.SwapRecord) {
	fmt.Printf("Swap:       %s\n", color.CyanString(rec.ID))
	fmt.Printf("Direction:  %s\n", rec.Direction)
	fmt.Printf("Token:      %s\n", rec.Token)
	fmt.Printf("State:      %s\n", stateColor(rec.State))
	fmt.Printf("Amount in:  %s\n", amountOrDash(rec.AmountIn))
	fmt.Printf("Amount out: %s\n", amountOrDash(rec.AmountOut))
	fmt.Printf("Fee:        %s\n", amountOrDash(rec.Fee))
	fmt.Printf("Hash lock:  %s\n", rec.HashLock)
	if rec.EscrowID != "" {
		fmt.Printf("Escrow:     %s\n", rec.EscrowID)
		fmt.Printf("Lock tx:    %s\n", rec.EscrowTx)
	}
	if !rec.Timeout.IsZero() {
		fmt.Printf("Timeout:    %s\n", rec.Timeout.Local().Format(time.DateTime))
	}
	if rec.ClaimedBy != "" {
		fmt.Printf("Claimed by: %s\n", rec.ClaimedBy)
	}
	if rec.LastError != "" {
		fmt.Printf("Last error: %s\n", color.RedString(rec.LastError))
	}
	fmt.Printf("Created:    %s\n", rec.CreatedAt.Local().Format(time.DateTime))
}

func newListCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List recent swaps",
		PreRunE: bindFlags(v),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, store, err := openStore(v)
			if err != nil {
				return err
			}
			defer s.Close()
			defer store.Close()

			var states []string
			for _, st := range v.GetStringSlice("state") {
				states = append(states, strings.ToLower(st))
			}

			recs, err := store.ListSwaps(v.GetInt("limit"), states...)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No swaps found.")
				return nil
			}

			fmt.Printf("%-20s  %-15s  %-6s  %-16s  %s\n", "CREATED", "DIRECTION", "TOKEN", "STATE", "ID")
			for _, rec := range recs {
				fmt.Printf("%-20s  %-15s  %-6s  %-16s  %s\n",
					rec.CreatedAt.Local().Format(time.DateTime),
					rec.Direction,
					rec.Token,
					rec.State,
					rec.ID)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of swaps")
	cmd.Flags().StringSlice("state", nil, "Only show swaps in these states")
	return cmd
}

func stateColor(state string) string {
	switch state {
	case "claimed":
		return color.GreenString(state)
	case "refunded", "expired":
		return color.YellowString(state)
	case "failed":
		return color.RedString(state)
	default:
		return state
	}
}

func amountOrDash(n *big.Int) string {
	if n == nil {
		return "-"
	}
	return n.String()
}
