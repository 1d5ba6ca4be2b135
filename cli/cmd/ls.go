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

// lsCmd represents the ls command
var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Lists live sessions.",
	Long:  `Lists the live sessions on the server, oldest first.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		res, err := apiClient.ListSessions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			return
		}
		if len(res.Sessions) == 0 {
			fmt.Printf("No sessions (limit %d).\n", res.MaxSessions)
			return
		}

		for _, s := range res.Sessions {
			conn := "idle"
			if s.Connected {
				conn = "live"
			}
			created := time.Unix(s.CreatedAt, 0)
			fmt.Printf("%-26s  %-4s  %-5s  %-12s  %s %2d %s  %d frames\n",
				s.SessionID, conn, s.Config.Resolution, s.Status,
				created.Format("1"), created.Day(), created.Format("15:04"),
				s.Counters.FramesReceived)
		}
		fmt.Printf("%d of %d sessions\n", res.Count, res.MaxSessions)
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
