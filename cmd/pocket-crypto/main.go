package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	pocketcrypto "github.com/Mahdi-Habibi/pocket-crypto"
	"github.com/Mahdi-Habibi/pocket-crypto/config"
	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// Command line flags
var (
	// automations command flags
	userID      int64
	failingOnly bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "pocket-crypto",
		Short:   "Telegram bot for crypto prices and recurring updates",
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildRunCmd())
	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildAutomationsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot with long polling and the in-process scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := newBot(cmd)
			if err != nil {
				return err
			}
			return bot.Run(cmd.Context())
		},
	}
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the stateless webhook server (updates and ticks over HTTP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			bot, err := newBot(cmd)
			if err != nil {
				return err
			}
			return bot.Serve(cmd.Context())
		},
	}
}

func buildAutomationsCmd() *cobra.Command {
	automationsCmd := &cobra.Command{
		Use:   "automations",
		Short: "List stored automations",
		RunE:  runAutomations,
	}

	automationsCmd.Flags().Int64VarP(&userID, "user", "u", 0, "Filter by Telegram user id")
	automationsCmd.Flags().BoolVarP(&failingOnly, "failing", "f", false, "Only automations with delivery failures")

	return automationsCmd
}

func newBot(cmd *cobra.Command) (*pocketcrypto.Bot, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return pocketcrypto.NewBot(cmd.Context(), cfg)
}

func runAutomations(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bot, err := pocketcrypto.NewBot(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer bot.Storage().Close()

	var filters []core.AutomationFilter
	if userID != 0 {
		filters = append(filters, core.WithUser(userID))
	}
	if failingOnly {
		filters = append(filters, core.WithFailures())
	}

	automations, err := bot.Storage().Automations(cmd.Context(), filters...)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "User", "Symbol", "Cadence", "Next Due", "Failures", "Last Error"})
	for _, automation := range automations {
		table.Append([]string{
			strconv.FormatInt(automation.ID, 10),
			strconv.FormatInt(automation.UserID, 10),
			automation.Symbol,
			string(automation.Cadence),
			automation.NextDue.UTC().Format(time.RFC3339),
			strconv.Itoa(automation.FailCount),
			automation.LastError,
		})
	}
	table.Render()

	return nil
}
