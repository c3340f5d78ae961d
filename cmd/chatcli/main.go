package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for chatsync",
	Long: `chatcli logs in to a chatsync server, lists conversations and opens
an interactive chat that stays in sync over the realtime connection.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "config/client.yaml", "config file path")
	rootCmd.PersistentFlags().String("api", "", "REST base url (overrides server.api_url)")
	rootCmd.PersistentFlags().String("ws", "", "websocket url (overrides server.ws_url)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print connection state changes")

	cobra.OnInitialize(func() {
		path, _ := rootCmd.PersistentFlags().GetString("config")
		if err := loadConfig(path, rootCmd.PersistentFlags()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(loginCmd, logoutCmd, conversationsCmd, chatCmd)
}
