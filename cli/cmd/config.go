/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config [server_address]",
	Short: "Gets or sets the server address.",
	Long: `Manages configuration for the spectractl client.
If called without arguments, it displays the effective server address.
If called with an argument, it stores the address in the config file.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			fmt.Printf("Server:      %s\n", viper.GetString(serverAddressKey))
			if f := viper.ConfigFileUsed(); f != "" {
				fmt.Printf("Config file: %s\n", f)
			}
			return
		}

		viper.Set(serverAddressKey, args[0])
		path := viper.ConfigFileUsed()
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
				return
			}
			path = filepath.Join(home, ".spectractl.yaml")
		}
		if err := viper.WriteConfigAs(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			return
		}
		serverAddress = args[0]
		fmt.Printf("Server set to: %s (%s)\n", args[0], path)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
