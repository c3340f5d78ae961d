package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/chatsync/sdk"
	"github.com/mbeoliero/chatsync/sdk/chat"
	"github.com/mbeoliero/chatsync/sdk/presence"
	"github.com/mbeoliero/chatsync/sdk/session"
	"github.com/mbeoliero/chatsync/sdk/store"
)

const chatHelp = `commands:
  /older                 load older messages
  /edit <id> <text>      edit one of your messages
  /delete <id>           delete one of your messages
  /react <id> <emoji>    react to a message
  /unreact <id>          remove your reaction
  /reply <id> <text>     reply to a message
  /file <path> [caption] send a file
  /retry [token]         retry one or all failed sends
  /typing                tell the others you are typing
  /read                  mark everything read
  /reconnect             dial again after the connection was lost
  /quit                  leave`

var chatCmd = &cobra.Command{
	Use:   "chat <user_id | conversation_id>",
	Short: "Open an interactive conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c, stop, err := startChat(ctx)
		if err != nil {
			return err
		}
		defer stop()

		verbose, _ := cmd.Flags().GetBool("verbose")
		convId, err := openTarget(ctx, c, args[0])
		if err != nil {
			return err
		}
		defer watch(c, convId, verbose)()

		conv, _ := c.Conversations.Get(convId)
		fmt.Printf("-- %s -- (/help for commands)\n", conv.Title(c.SelfId()))
		for _, m := range c.Messages.Messages(convId) {
			fmt.Println(formatMessage(c, m))
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := handleLine(ctx, c, strings.TrimSpace(line))
				if err != nil {
					fmt.Printf("! %v\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

func openTarget(ctx context.Context, c *chat.Chat, target string) (string, error) {
	if _, ok := c.Conversations.Get(target); ok {
		if _, err := c.Open(ctx, target); err != nil {
			return "", err
		}
		return target, nil
	}
	conv, _, err := c.OpenDirect(ctx, target)
	if err != nil {
		return "", err
	}
	return conv.Id, nil
}

// watch prints store changes for the open conversation until the returned func is called
func watch(c *chat.Chat, convId string, verbose bool) func() {
	cancels := []func(){
		c.Messages.Subscribe(func(ch store.Change) {
			if ch.ConversationId != convId || ch.Kind == store.ChangeLoaded {
				return
			}
			var (
				m  *store.Message
				ok bool
			)
			if ch.MessageId != "" {
				m, ok = c.Messages.Message(ch.MessageId)
			} else if ch.ClientMsgId != "" {
				m, ok = c.Messages.MessageByToken(ch.ClientMsgId)
			}
			if ok {
				fmt.Println(formatMessage(c, m))
			}
		}),
		c.Typing.Subscribe(func(tc presence.TypingChange) {
			if tc.ConversationId != convId || len(tc.Users) == 0 {
				return
			}
			names := make([]string, 0, len(tc.Users))
			for _, id := range tc.Users {
				names = append(names, displayName(c, id))
			}
			fmt.Printf("... %s typing\n", strings.Join(names, ", "))
		}),
		c.OnConnection(func(s session.StateChange) {
			switch {
			case errors.Is(s.Err, sdk.ErrConnectionLost):
				fmt.Printf("! connection lost: %v (type /reconnect to try again)\n", s.Err)
			case s.Err != nil:
				fmt.Printf("! connection %s: %v\n", s.State, s.Err)
			case verbose || s.Resumed:
				fmt.Printf("-- connection %s\n", s.State)
			}
		}),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func handleLine(ctx context.Context, c *chat.Chat, line string) (quit bool, err error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := c.SendText(ctx, line)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	arg, tail, _ := strings.Cut(rest, " ")
	tail = strings.TrimSpace(tail)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Println(chatHelp)
	case "/older":
		page, err := c.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		if page == nil {
			fmt.Println("-- no older messages")
			return false, nil
		}
		for _, m := range page.Messages {
			fmt.Println(formatMessage(c, m))
		}
	case "/edit":
		if arg == "" || tail == "" {
			return false, errors.New("usage: /edit <id> <text>")
		}
		_, err = c.Edit(ctx, arg, tail)
	case "/delete":
		if arg == "" {
			return false, errors.New("usage: /delete <id>")
		}
		err = c.Delete(ctx, arg)
	case "/react":
		if arg == "" || tail == "" {
			return false, errors.New("usage: /react <id> <emoji>")
		}
		_, err = c.React(ctx, arg, tail)
	case "/unreact":
		_, err = c.Unreact(ctx, arg)
	case "/reply":
		if arg == "" || tail == "" {
			return false, errors.New("usage: /reply <id> <text>")
		}
		_, err = c.Reply(ctx, arg, tail)
	case "/file":
		if arg == "" {
			return false, errors.New("usage: /file <path> [caption]")
		}
		data, rerr := os.ReadFile(arg)
		if rerr != nil {
			return false, rerr
		}
		_, err = c.SendFiles(ctx, tail, store.Upload{Name: filepath.Base(arg), Data: data})
	case "/retry":
		if arg != "" {
			_, err = c.Retry(ctx, arg)
			return false, err
		}
		sent, rerr := c.RetryFailed(ctx)
		fmt.Printf("-- resent %d message(s)\n", sent)
		err = rerr
	case "/typing":
		err = c.KeyPressed(ctx)
	case "/read":
		err = c.MarkRead(ctx)
	case "/reconnect":
		if err = c.Reconnect(ctx); err == nil {
			fmt.Printf("-- connection %s\n", c.State())
		}
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	if errors.Is(err, sdk.ErrValidation) {
		return false, fmt.Errorf("rejected: %w", err)
	}
	return false, err
}
