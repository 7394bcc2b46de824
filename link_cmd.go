package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/artem2584/modeuscal/internal/store"
)

// newLinkCmd builds the account-linking helpers. "link url" prints the
// consent URL to hand to a user; "link code" records the authorization
// code they came back with. The code is exchanged for a refresh token
// at the end of the next sync run.
func newLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a user's Google account",
	}

	cmd.AddCommand(newLinkURLCmd())
	cmd.AddCommand(newLinkCodeCmd())

	return cmd
}

func newLinkURLCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the Google consent URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Fprintln(cmd.OutOrStdout(), a.auth.AuthCodeURL(state))

			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "opaque state passed through the OAuth flow")

	return cmd
}

func newLinkCodeCmd() *cobra.Command {
	var (
		userID string
		chatID int64
		code   string
	)

	cmd := &cobra.Command{
		Use:   "code",
		Short: "Record an authorization code for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(resolvedCfg, buildLogger())
			if err != nil {
				return err
			}
			defer a.close()

			attempt := store.LinkAttempt{
				ChatID:    chatID,
				UserID:    userID,
				AuthCode:  code,
				CreatedAt: time.Now().Unix(),
			}

			if err := a.store.SaveLinkAttempt(context.Background(), attempt); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Link attempt recorded; it will be processed on the next sync run.")

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Modeus person id")
	cmd.Flags().Int64Var(&chatID, "chat", 0, "Telegram chat id for the confirmation message")
	cmd.Flags().StringVar(&code, "code", "", "authorization code from the consent flow")

	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}
