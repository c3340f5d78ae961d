package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mbeoliero/chatsync/sdk"
)

var loginCmd = &cobra.Command{
	Use:   "login <user_id>",
	Short: "Log in and remember the token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}

		client, err := sdk.NewClient(cfg.Server.APIURL)
		if err != nil {
			return err
		}
		resp, err := client.LoginWithUserId(cmd.Context(), args[0], password, cfg.PlatformId)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := saveCredential(credential{Token: resp.Token, UserId: resp.UserInfo.Id}); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (%s)\n", resp.UserInfo.Nickname, resp.UserInfo.Id)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cred, err := loadCredential()
		if err != nil {
			return err
		}
		client, err := sdk.NewClient(cfg.Server.APIURL, sdk.WithToken(cred.Token))
		if err != nil {
			return err
		}
		if err := client.Logout(cmd.Context()); err != nil && !sdk.IsAuthError(err) {
			return fmt.Errorf("logout failed: %w", err)
		}
		if err := os.Remove(credentialPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Println("Logged out")
		return nil
	},
}

func readPassword(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		// not a terminal, read a plain line
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		raw = []byte(line)
	} else {
		fmt.Println()
	}
	password := strings.TrimSpace(string(raw))
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return password, nil
}
