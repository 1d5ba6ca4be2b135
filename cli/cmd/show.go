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

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Shows the state of a session.",
	Long: `Shows the snapshot of a live session, or the reason a recently closed
session ended.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		s, err := apiClient.GetSession(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting session: %v\n", err)
			return
		}
		printSession(s)
	},
}

func printSession(s Session) {
	fmt.Printf("Session:   %s (%s)\n", s.SessionID, s.State)
	if s.State == "closed" {
		fmt.Printf("Reason:    %s\n", s.Reason)
		fmt.Printf("Closed:    %s\n", time.Unix(s.ClosedAt, 0).Format(time.RFC3339))
		return
	}
	fmt.Printf("Created:   %s\n", time.Unix(s.CreatedAt, 0).Format(time.RFC3339))
	fmt.Printf("Connected: %t\n", s.Connected)
	fmt.Printf("Config:    %s %dx%d, buffer %d, recording %t\n",
		s.Config.Resolution, s.Config.Width, s.Config.Height, s.Config.BufferCapacity, s.Recording)
	fmt.Printf("Engine:    %s, status %s\n", s.AdapterState, s.Status)
	fmt.Printf("Buffer:    %d/%d frames at %dx%d, %d pushed, %d dropped\n",
		s.Buffer.Length, s.Buffer.Capacity, s.Buffer.Width, s.Buffer.Height, s.Buffer.Pushed, s.Buffer.Dropped)
	fmt.Printf("Counters:  %d frames in, %d messages out, %d metrics\n",
		s.Counters.FramesReceived, s.Counters.MessagesSent, s.Counters.MetricsSent)
	if s.Telemetry.FPS > 0 {
		fmt.Printf("Telemetry: %.1f fps, %.3fs latency\n", s.Telemetry.FPS, s.Telemetry.LatencySeconds)
	}
}

func init() {
	rootCmd.AddCommand(showCmd)
}
