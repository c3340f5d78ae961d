package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, unread first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, stop, err := startChat(cmd.Context())
		if err != nil {
			return err
		}
		defer stop()

		list := c.Conversations.List()
		if len(list) == 0 {
			fmt.Println("No conversations yet")
			return nil
		}
		for _, conv := range list {
			fmt.Println(formatConversation(c, conv))
		}
		return nil
	},
}
