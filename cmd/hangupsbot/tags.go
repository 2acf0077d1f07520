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

func (a *app) newTagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Manage tags on conversations and users",
		Long: `Manages tags. Kinds are conv (a conversation id, GROUP, ONE_TO_ONE or *),
user (a chat id) and convuser ("<conv_id>|<chat_id>").`,
	}
	cmd.AddCommand(a.newTagsMutateCmd(true))
	cmd.AddCommand(a.newTagsMutateCmd(false))
	cmd.AddCommand(a.newTagsPurgeCmd())
	cmd.AddCommand(a.newTagsActiveCmd())
	cmd.AddCommand(a.newTagsUsersCmd())
	cmd.AddCommand(a.newTagsDumpCmd())
	return cmd
}

func (a *app) newTagsMutateCmd(add bool) *cobra.Command {
	use, short := "remove", "Remove a tag"
	if add {
		use, short = "add", "Add a tag"
	}
	return &cobra.Command{
		Use:   use + " <conv|user|convuser> <id> <tag>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(ctx context.Context, e *env) error {
				return runTagsMutate(ctx, cmd, e, add, args[0], args[1], args[2])
			})
		},
	}
}

func runTagsMutate(ctx context.Context, cmd *cobra.Command, e *env, add bool, kindArg, id, tag string) error {
	kind, err := tagging.ParseKind(kindArg)
	if err != nil {
		return err
	}
	var changed bool
	if add {
		changed, err = e.tags.Add(kind, id, tag)
	} else {
		changed, err = e.tags.Remove(kind, id, tag)
	}
	if err != nil {
		return err
	}
	tag = strings.ToLower(tag)
	out := cmd.OutOrStdout()
	if !changed {
		if add {
			fmt.Fprintf(out, "%s already has tag %s\n", id, tag)
		} else {
			fmt.Fprintf(out, "%s does not have tag %s\n", id, tag)
		}
		return nil
	}
	action := "remove"
	if add {
		action = "add"
	}
	e.audit(ctx, models.TagEvent{Action: action, Kind: kind.String(), EntityID: id, Tag: tag, Count: 1})
	if add {
		fmt.Fprintf(out, "Tagged %s with %s\n", id, tag)
	} else {
		fmt.Fprintf(out, "Removed %s from %s\n", tag, id)
	}
	return nil
}

func (a *app) newTagsPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <user|convuser|conv|tag|usertag|convtag> <id|ALL>",
		Short: "Remove every tag assignment selected by kind and id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(ctx context.Context, e *env) error {
				kind, err := tagging.ParsePurgeKind(args[0])
				if err != nil {
					return err
				}
				n, err := e.tags.Purge(kind, args[1])
				if err != nil {
					return err
				}
				e.audit(ctx, models.TagEvent{Action: "purge", Kind: kind.String(), EntityID: args[1], Count: n})
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d tag assignment(s)\n", n)
				return nil
			})
		},
	}
}

func (a *app) newTagsActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show the tags in effect for a user or conversation",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "user <chat_id> [conv_id]",
		Short: "Active tags of a user, optionally inside a conversation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID := ""
			if len(args) == 2 {
				convID = args[1]
			}
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				fmt.Fprintln(cmd.OutOrStdout(), joinOrNone(e.tags.UserActive(args[0], convID)))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "conv <conv_id>",
		Short: "Active tags of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				fmt.Fprintln(cmd.OutOrStdout(), joinOrNone(e.tags.ConvActive(args[0])))
				return nil
			})
		},
	})
	return cmd
}

func (a *app) newTagsUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users <conv_id> [tag...]",
		Short: "List participants of a conversation with their active tags",
		Long:  "Lists every participant of the conversation and the tags in effect for them there. Given tags, only participants holding all of them are listed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				return runTagsUsers(cmd, e, args[0], args[1:])
			})
		},
	}
}

func runTagsUsers(cmd *cobra.Command, e *env, convID string, filter []string) error {
	if _, ok := e.memory.Conversation(convID); !ok {
		return fmt.Errorf("conversation %s is not in memory", convID)
	}
	for i := range filter {
		filter[i] = strings.ToLower(filter[i])
	}
	users := e.tags.UserList(convID, filter)
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAT_ID\tNAME\tTAGS")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, e.memory.GetName(id, id), joinOrNone(users[id]))
	}
	return w.Flush()
}

func (a *app) newTagsDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the tag indices as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd, func(_ context.Context, e *env) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(e.tags.Indices())
			})
		},
	}
}
