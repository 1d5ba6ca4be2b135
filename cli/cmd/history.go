/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Lists recent sessions from the server's ledger.",
	Long: `Lists the newest sessions recorded in the server's ledger, including
sessions that have already ended and the reason they ended.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		res, err := apiClient.History(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history: %v\n", err)
			return
		}
		if res.Count == 0 {
			fmt.Println("No sessions recorded.")
			return
		}
		for _, e := range res.Sessions {
			state := "open"
			if e.ClosedAt != nil {
				state = e.CloseReason
			}
			fmt.Printf("%-26s  %-5s  %s  %6d frames  %6d metrics  %s\n",
				e.SessionID, e.Resolution, time.Unix(e.CreatedAt, 0).Format("2006-01-02 15:04:05"),
				e.FramesReceived, e.MetricsSent, state)
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 0, "Number of sessions to show (server default when 0)")
}
