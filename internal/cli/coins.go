package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinhost/afkd/internal/domain"
)

// ─── Coin Ledger CLI ────────────────────────────────────────────────────────
// Operator access to balances and the ledger. These commands open the
// store directly, so they work with the server stopped.

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(creditCmd)
	rootCmd.AddCommand(debitCmd)
	rootCmd.AddCommand(verifyCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Number of entries")
	historyCmd.Flags().Int("offset", 0, "Entries to skip")
	for _, c := range []*cobra.Command{creditCmd, debitCmd} {
		c.Flags().StringP("description", "d", domain.DescAdjustment, "Ledger description")
		c.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	}
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's coin balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		bal, err := d.Ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s coins\n", args[0], bal.StringFixed(domain.CoinPlaces))
		return nil
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's ledger entries, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		txs, err := d.Ledger.History(cmd.Context(), args[0], limit, offset)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTIME\tTYPE\tAMOUNT\tBALANCE\tDESCRIPTION")
		for _, t := range txs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.CreatedAt.UTC().Format(time.RFC3339), t.Type,
				t.Amount.StringFixed(domain.CoinPlaces), t.BalanceAfter.StringFixed(domain.CoinPlaces), t.Description)
		}
		return tw.Flush()
	},
}

// ─── credit / debit ─────────────────────────────────────────────────────────

var creditCmd = &cobra.Command{
	Use:   "credit USER_ID AMOUNT",
	Short: "Credit coins to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdjust(cmd, args, domain.EntryCredit)
	},
}

var debitCmd = &cobra.Command{
	Use:   "debit USER_ID AMOUNT",
	Short: "Debit coins from a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdjust(cmd, args, domain.EntryDebit)
	},
}

func runAdjust(cmd *cobra.Command, args []string, typ domain.EntryType) error {
	userID := args[0]
	amount, err := domain.Coins(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[1])
	}
	desc, _ := cmd.Flags().GetString("description")
	meta, _ := cmd.Flags().GetStringToString("meta")

	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.Close()

	post := d.Ledger.Credit
	if typ == domain.EntryDebit {
		post = d.Ledger.Debit
	}
	entry, err := post(cmd.Context(), userID, amount, desc, meta)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		bal, _ := d.Ledger.Balance(cmd.Context(), userID)
		return fmt.Errorf("%w: %s has %s coins", err, userID, bal.StringFixed(domain.CoinPlaces))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s %s → %s (balance %s)\n",
		typ, amount.StringFixed(domain.CoinPlaces), userID, entry.BalanceAfter.StringFixed(domain.CoinPlaces))
	return nil
}

// ─── verify ─────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify USER_ID",
	Short: "Replay a user's ledger and check it against the stored balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		rep, err := d.Ledger.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: %d entries, balance %s matches ledger\n",
			args[0], rep.Entries, rep.StoredBalance.StringFixed(domain.CoinPlaces))
		return nil
	},
}
