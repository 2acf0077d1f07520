package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"github.com/spf13/cobra"
)

func (a *app) newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain permanent memory",
	}
	cmd.AddCommand(a.newMemoryGetCmd())
	cmd.AddCommand(a.newMemoryUserCmd())
	cmd.AddCommand(a.newMemoryRemoveCmd())
	cmd.AddCommand(a.newMemoryResetUserCmd())
	cmd.AddCommand(a.newMemoryUpgradeCmd())
	return cmd
}

// withEnv loads the config, opens the stack without a platform directory,
// runs fn and flushes memory afterwards.
func (a *app) withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	e, err := openEnv(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, e); err != nil {
		e.close(ctx)
		return err
	}
	return e.close(ctx)
}

func (a *app) newMemoryGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get [filter]",
		Short: "List conversations matching a filter",
		Long: `Lists the conversations in memory selected by filter. Filters:
  id:<conv_id>, <conv_id>, text:<title substring>, chat_id:<user>,
  type:<GROUP|ONE_TO_ONE>, minusers:<n>, maxusers:<n>.
With no filter every conversation is listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				return runMemoryGet(cmd, e, filter, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func runMemoryGet(cmd *cobra.Command, e *env, filter string, asJSON bool) error {
	out := cmd.OutOrStdout()
	convs := e.memory.Get(filter)
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(convs)
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}
	ids := make([]string, 0, len(convs))
	for id := range convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tUSERS\tSOURCE\tTITLE")
	for _, id := range ids {
		rec := convs[id]
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", id, rec.Type, len(rec.Participants), rec.Source, rec.Title)
	}
	return w.Flush()
}

func (a *app) newMemoryUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user <chat_id>",
		Short: "Show a user record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				return runMemoryUser(cmd, e, args[0])
			})
		},
	}
}

func runMemoryUser(cmd *cobra.Command, e *env, chatID string) error {
	rec, ok := e.memory.User(chatID)
	if !ok {
		return fmt.Errorf("user %s is not in memory", chatID)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:        %s\n", rec.ChatID)
	fmt.Fprintf(out, "Name:        %s\n", rec.FullName)
	fmt.Fprintf(out, "First name:  %s\n", rec.FirstName)
	if len(rec.Emails) > 0 {
		fmt.Fprintf(out, "Emails:      %s\n", strings.Join(rec.Emails, ", "))
	}
	fmt.Fprintf(out, "Definitive:  %t\n", rec.IsDefinitive)
	if conv, ok := e.memory.OneToOne(chatID); ok {
		fmt.Fprintf(out, "1:1:         %s\n", conv)
	}
	fmt.Fprintf(out, "Tags:        %s\n", joinOrNone(e.memory.UserTags(chatID)))
	return nil
}

func (a *app) newMemoryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <conv_id>",
		Short: "Remove a group conversation and its tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(ctx context.Context, e *env) error {
				return runMemoryRemove(ctx, cmd, e, args[0])
			})
		},
	}
}

func runMemoryRemove(ctx context.Context, cmd *cobra.Command, e *env, convID string) error {
	if !e.memory.Remove(convID) {
		return fmt.Errorf("conversation %s was not removed (unknown or not a group)", convID)
	}
	e.tags.Refresh()
	e.audit(ctx, models.TagEvent{Action: "convremove", Kind: tagging.KindConversation.String(), EntityID: convID})
	fmt.Fprintf(cmd.OutOrStdout(), "Removed conversation %s\n", convID)
	return nil
}

func (a *app) newMemoryResetUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-user <chat_id>",
		Short: "Mark a user record non-definitive so the next roster refreshes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(ctx context.Context, e *env) error {
				if !e.memory.ResetUser(args[0]) {
					fmt.Fprintf(cmd.OutOrStdout(), "User %s unchanged\n", args[0])
					return nil
				}
				e.audit(ctx, models.TagEvent{Action: "userreset", Kind: tagging.KindUser.String(), EntityID: args[0]})
				fmt.Fprintf(cmd.OutOrStdout(), "Reset user %s\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) newMemoryUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade a legacy memory document in place",
		Long:  "Runs the snapshot upgrade pass over the stored document and writes the result back without connecting to a chat platform.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(ctx context.Context, e *env) error {
				if err := e.memory.LoadFromSnapshot(ctx); err != nil {
					return err
				}
				if err := e.memory.Flush(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Memory upgraded: %d conversations, %d users\n",
					len(e.memory.ConversationIDs()), len(e.memory.Users()))
				return nil
			})
		},
	}
}

func joinOrNone(list []string) string {
	if len(list) == 0 {
		return "(none)"
	}
	return strings.Join(list, ", ")
}
