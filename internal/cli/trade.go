package cli

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"kis-daytrader/internal/app"
)

var (
	analyzeDate string
	analyzeJSON bool

	topMarket string
	topCount  int

	scoreMarket string
	scoreCount  int

	triggerMarket string

	sellQty int64
	sellYes bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <ticker>",
	Short: "Run one ticker through the analysis engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Analyze(cmd.Context(), app.AnalyzeOptions{
			Ticker: args[0],
			Date:   analyzeDate,
			JSON:   analyzeJSON,
		})
	},
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Analyse the market leaders and suggest orders (nothing is placed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Top(cmd.Context(), app.TopOptions{Market: topMarket, Count: topCount})
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Print the scored candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Score(cmd.Context(), app.ScoreOptions{Market: scoreMarket, Count: scoreCount})
	},
}

var buyNowCmd = &cobra.Command{
	Use:   "buy-now",
	Short: "Trigger the morning buy immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().BuyNow(cmd.Context(), app.TriggerOptions{Market: triggerMarket})
	},
}

var liquidateCmd = &cobra.Command{
	Use:   "liquidate",
	Short: "Sell every holding at market now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !sellYes {
			ok, err := confirm("Liquidate all holdings at market?")
			if err != nil || !ok {
				return err
			}
		}
		return getApp().Liquidate(cmd.Context(), app.TriggerOptions{Market: triggerMarket})
	},
}

var monitorOnceCmd = &cobra.Command{
	Use:   "monitor-once",
	Short: "Run one stop-loss/take-profit scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().MonitorOnce(cmd.Context())
	},
}

var sellCmd = &cobra.Command{
	Use:   "sell <ticker>",
	Short: "Sell one holding at market",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sellQty < 0 {
			return fmt.Errorf("--qty must not be negative")
		}
		opts := app.SellOptions{Ticker: args[0], Qty: sellQty}
		if !sellYes {
			opts.Confirm = confirm
		}
		return getApp().Sell(cmd.Context(), opts)
	},
}

func confirm(message string) (bool, error) {
	ok := false
	err := survey.AskOne(&survey.Confirm{Message: message, Default: false}, &ok)
	return ok, err
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeDate, "date", "", "Analysis date YYYY-MM-DD (defaults to today in the market's zone)")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the full decision as JSON")

	topCmd.Flags().StringVar(&topMarket, "market", "", "kr, us or all (defaults to enabled markets)")
	topCmd.Flags().IntVar(&topCount, "count", 5, "Number of market leaders to analyse")

	scoreCmd.Flags().StringVar(&scoreMarket, "market", "", "kr, us or all (defaults to enabled markets)")
	scoreCmd.Flags().IntVar(&scoreCount, "count", 0, "Number of candidates to print (defaults to config)")

	for _, c := range []*cobra.Command{buyNowCmd, liquidateCmd} {
		c.Flags().StringVar(&triggerMarket, "market", "", "kr, us or all (defaults to enabled markets)")
	}
	liquidateCmd.Flags().BoolVarP(&sellYes, "yes", "y", false, "Skip the confirmation prompt")

	sellCmd.Flags().Int64Var(&sellQty, "qty", 0, "Quantity to sell (defaults to the full position)")
	sellCmd.Flags().BoolVarP(&sellYes, "yes", "y", false, "Skip the confirmation prompt")
}
