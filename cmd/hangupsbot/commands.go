package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newCommandsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "commands <chat_id> <conv_id>",
		Short: "Show which commands a user may run in a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				return runCommands(cmd, e, args[0], args[1], asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func runCommands(cmd *cobra.Command, e *env, chatID, convID string, asJSON bool) error {
	available := e.resolver.AvailableCommands(chatID, convID)
	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(available)
	}
	fmt.Fprintf(out, "Admin: %s\n", joinOrNone(available.Admin))
	fmt.Fprintf(out, "User:  %s\n", joinOrNone(available.User))
	return nil
}
