/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	serverAddress string
	apiClient     *Client
)

const (
	serverAddressKey     = "server_address"
	defaultServerAddress = "http://localhost:8080"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spectractl",
	Short: "Control and stream to a spectragate server",
	Long: `spectractl manages analysis sessions on a spectragate server and streams
image frames to them.

Run without arguments to enter interactive mode.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = NewClient(serverAddress)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// one‑shot
	if len(os.Args) > 1 {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	// REPL
	initConfig()
	fmt.Println("entering interactive mode, type 'exit' to quit")
	p := prompt.New(executeLine, complete,
		prompt.OptionPrefix("❯❯❯ "),
		prompt.OptionTitle("spectractl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			in = strings.TrimSpace(in)
			return breakline && (in == "exit" || in == "quit")
		}),
	)
	p.Run()
}

func executeLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || line == "exit" || line == "quit" {
		return
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing input: %v\n", err)
		return
	}
	rootCmd.SetArgs(args)
	// cobra already printed the error
	_ = rootCmd.Execute()
	resetFlags(rootCmd)
}

// resetFlags restores flag defaults so one REPL line does not leak into the
// next.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// commands whose first argument is a session id
var sessionArgCommands = map[string]bool{
	"rm": true, "show": true, "record": true, "stream": true, "watch": true,
}

func complete(d prompt.Document) []prompt.Suggest {
	words := strings.Fields(d.TextBeforeCursor())
	if strings.HasSuffix(d.TextBeforeCursor(), " ") {
		words = append(words, "")
	}
	switch {
	case len(words) <= 1:
		return prompt.FilterHasPrefix(commandSuggestions(), d.GetWordBeforeCursor(), true)
	case len(words) == 2 && sessionArgCommands[words[0]]:
		return prompt.FilterHasPrefix(sessionSuggestions(), d.GetWordBeforeCursor(), false)
	case len(words) == 3 && words[0] == "record":
		return prompt.FilterHasPrefix([]prompt.Suggest{{Text: "on"}, {Text: "off"}}, d.GetWordBeforeCursor(), true)
	}
	return nil
}

func commandSuggestions() []prompt.Suggest {
	var out []prompt.Suggest
	for _, c := range rootCmd.Commands() {
		if c.Hidden || c.Name() == "completion" || c.Name() == "help" {
			continue
		}
		out = append(out, prompt.Suggest{Text: c.Name(), Description: c.Short})
	}
	return append(out, prompt.Suggest{Text: "exit", Description: "Leave interactive mode"})
}

var suggestCache struct {
	sync.Mutex
	at    time.Time
	items []prompt.Suggest
}

// sessionSuggestions lists live session ids, refreshed at most every two
// seconds since the completer runs on every keystroke.
func sessionSuggestions() []prompt.Suggest {
	suggestCache.Lock()
	defer suggestCache.Unlock()
	if time.Since(suggestCache.at) < 2*time.Second {
		return suggestCache.items
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	list, err := NewClient(viper.GetString(serverAddressKey)).ListSessions(ctx)
	suggestCache.at = time.Now()
	if err != nil {
		suggestCache.items = nil
		return nil
	}
	items := make([]prompt.Suggest, 0, len(list.Sessions))
	for _, s := range list.Sessions {
		desc := s.Config.Resolution
		if s.Connected {
			desc += ", streaming"
		}
		items = append(items, prompt.Suggest{Text: s.SessionID, Description: desc})
	}
	suggestCache.items = items
	return items
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.spectractl.yaml)")
	rootCmd.PersistentFlags().String("server", defaultServerAddress, "Address of the spectragate server (e.g., http://localhost:8080)")

	viper.BindPFlag(serverAddressKey, rootCmd.PersistentFlags().Lookup("server"))
	viper.SetDefault(serverAddressKey, defaultServerAddress)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".spectractl" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".spectractl")
	}

	viper.SetEnvPrefix("spectractl")
	viper.AutomaticEnv() // SPECTRACTL_SERVER_ADDRESS

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}

	serverAddress = viper.GetString(serverAddressKey)
}
