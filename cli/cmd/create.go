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

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Creates a new analysis session.",
	Long: `Creates a new analysis session and prints its id and stream URL.
Frames are sent to the stream URL with "stream" or "watch".`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		resolution, _ := cmd.Flags().GetString("resolution")
		capacity, _ := cmd.Flags().GetInt("buffer-capacity")
		recording, _ := cmd.Flags().GetBool("recording")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		res, err := apiClient.CreateSession(ctx, CreateOptions{
			Resolution:     resolution,
			BufferCapacity: capacity,
			Recording:      recording,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session: %v\n", err)
			return
		}
		fmt.Printf("Session:    %s\n", res.SessionID)
		fmt.Printf("Stream URL: %s\n", res.StreamURL)
		fmt.Printf("Resolution: %s (%dx%d), buffer %d, recording %t\n",
			res.Config.Resolution, res.Config.Width, res.Config.Height, res.Config.BufferCapacity, res.Config.Recording)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringP("resolution", "r", "", "Resolution preset: 480p, 720p or 1080p (server default 720p)")
	createCmd.Flags().IntP("buffer-capacity", "b", 0, "Frame buffer capacity (server default when 0)")
	createCmd.Flags().Bool("recording", false, "Start with recording enabled")
}
