package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kis-daytrader/internal/app"
)

var (
	showLimit     int
	balanceMarket string
)

var tradesCmd = &cobra.Command{
	Use:   "trades",
	Short: "Display recent executed orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Trades(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var pnlCmd = &cobra.Command{
	Use:   "pnl",
	Short: "Display realised profit and loss",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().PnL(cmd.Context(), app.ShowOptions{Limit: showLimit})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Display holdings and cash",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Balance(cmd.Context(), balanceMarket)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display sessions, schedule and today's completed actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

func init() {
	tradesCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	pnlCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	balanceCmd.Flags().StringVar(&balanceMarket, "market", "", "kr, us or all (defaults to enabled markets)")
}
