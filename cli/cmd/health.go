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

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Checks that the server is up.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		res, err := apiClient.Health(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking health: %v\n", err)
			return
		}
		fmt.Printf("%s: version %s, %d sessions, server time %s\n",
			res.Status, res.Version, res.Sessions, time.Unix(res.Timestamp, 0).Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
