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

// recordCmd represents the record command
var recordCmd = &cobra.Command{
	Use:       "record <session_id> on|off",
	Short:     "Turns recording on or off for a session.",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	Run: func(cmd *cobra.Command, args []string) {
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
		default:
			fmt.Fprintf(os.Stderr, "Error: expected on or off, got %q\n", args[1])
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		if err := apiClient.SetRecording(ctx, args[0], on); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting recording: %v\n", err)
			return
		}
		fmt.Printf("Recording %s for %s\n", args[1], args[0])
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)
}
