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

// rmCmd represents the rm command
var rmCmd = &cobra.Command{
	Use:   "rm <session_id>...",
	Short: "Deletes sessions.",
	Long: `Deletes one or more sessions. A connected stream is closed with the
reason "Session deleted".`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()

		for _, id := range args {
			if err := apiClient.DeleteSession(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", id, err)
				continue
			}
			fmt.Printf("Deleted %s\n", id)
		}
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
