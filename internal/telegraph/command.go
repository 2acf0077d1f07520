package telegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/models"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"go.uber.org/zap"
)

// Auditor records administrative tag and memory mutations.
// db.TagEventLog implements it.
type Auditor interface {
	Record(ctx context.Context, ev models.TagEvent) error
}

// Built-in command names.
const (
	CmdHelp         = "help"
	CmdWhoami       = "whoami"
	CmdTagSet       = "tagset"
	CmdTagDel       = "tagdel"
	CmdTagsPurge    = "tagspurge"
	CmdTagsCommand  = "tagscommand"
	CmdTagsConv     = "tagsconv"
	CmdTagsUser     = "tagsuser"
	CmdTagsUserList = "tagsuserlist"
	CmdTagIndexDump = "tagindexdump"
	CmdConvFilter   = "convfilter"
	CmdConvRemove   = "convremove"
	CmdUserReset    = "userreset"
)

// RegisterBuiltins adds the built-in commands to reg.
func RegisterBuiltins(reg *access.Registry) error {
	for _, name := range []string{CmdHelp, CmdWhoami, CmdTagsCommand, CmdTagsConv, CmdTagsUser, CmdTagsUserList, CmdConvFilter} {
		if err := reg.Register(name); err != nil {
			return err
		}
	}
	for _, name := range []string{CmdTagSet, CmdTagDel, CmdTagsPurge, CmdTagIndexDump, CmdConvRemove, CmdUserReset} {
		if err := reg.RegisterAdmin(name); err != nil {
			return err
		}
	}
	return nil
}

// CommandHandler runs prefixed chat commands after checking them against
// the access resolver.
type CommandHandler struct {
	prefix   string
	memory   *memory.Store
	tags     *tagging.Engine
	resolver *access.Resolver
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Prefix   string // defaults to "/bot"
	Memory   *memory.Store
	Tags     *tagging.Engine
	Resolver *access.Resolver
	Auditor  Auditor // optional
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("telegraph: command handler: memory is required")
	}
	if opts.Tags == nil {
		return nil, fmt.Errorf("telegraph: command handler: tag engine is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("telegraph: command handler: resolver is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "/bot"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{
		prefix:   prefix,
		memory:   opts.Memory,
		tags:     opts.Tags,
		resolver: opts.Resolver,
		auditor:  opts.Auditor,
		metrics:  opts.Metrics,
		logger:   logger,
	}, nil
}

// IsCommand reports whether text starts with the command prefix.
func (ch *CommandHandler) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return text == ch.prefix || strings.HasPrefix(text, ch.prefix+" ")
}

// Execute parses and runs the command in msg.Text. Returns the response
// text to send back to the conversation.
func (ch *CommandHandler) Execute(ctx context.Context, msg InboundMessage) string {
	args := ch.parseCommand(msg.Text)
	if len(args) == 0 {
		return ch.helpText(msg)
	}
	name := strings.ToLower(args[0])
	args = args[1:]

	available := ch.resolver.AvailableCommands(msg.UserID, msg.ChannelID)
	if !available.Allowed(name) {
		if ch.resolver.Known(name) {
			ch.metrics.Command(name, "denied")
		} else {
			ch.metrics.Command("", "unknown")
		}
		ch.logger.Info("command refused",
			zap.String("command", name),
			zap.String("chat_id", msg.UserID),
			zap.String("conv_id", msg.ChannelID))
		return fmt.Sprintf("You are not allowed to run `%s` here.", name)
	}
	ch.metrics.Command(name, "ok")

	switch name {
	case CmdHelp:
		return ch.helpText(msg)
	case CmdWhoami:
		return ch.cmdWhoami(msg)
	case CmdTagSet:
		return ch.cmdTagMutate(ctx, msg, args, true)
	case CmdTagDel:
		return ch.cmdTagMutate(ctx, msg, args, false)
	case CmdTagsPurge:
		return ch.cmdTagsPurge(ctx, msg, args)
	case CmdTagsCommand:
		return ch.cmdTagsCommand(msg, args)
	case CmdTagsConv:
		return ch.cmdTagsConv(msg, args)
	case CmdTagsUser:
		return ch.cmdTagsUser(msg, args)
	case CmdTagsUserList:
		return ch.cmdTagsUserList(msg, args)
	case CmdTagIndexDump:
		return ch.cmdTagIndexDump()
	case CmdConvFilter:
		return ch.cmdConvFilter(args)
	case CmdConvRemove:
		return ch.cmdConvRemove(ctx, msg, args)
	case CmdUserReset:
		return ch.cmdUserReset(ctx, msg, args)
	default:
		return fmt.Sprintf("Unknown command: `%s`", name)
	}
}

// parseCommand strips the prefix and splits the remaining text.
func (ch *CommandHandler) parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == ch.prefix {
		return nil
	}
	text = strings.TrimPrefix(text, ch.prefix+" ")
	return strings.Fields(text)
}

// helpText lists the commands the caller may run here.
func (ch *CommandHandler) helpText(msg InboundMessage) string {
	available := ch.resolver.AvailableCommands(msg.UserID, msg.ChannelID)
	var b strings.Builder
	b.WriteString("**Commands**\n")
	if len(available.User) > 0 {
		fmt.Fprintf(&b, "User: %s\n", strings.Join(available.User, ", "))
	}
	if len(available.Admin) > 0 {
		fmt.Fprintf(&b, "Admin: %s\n", strings.Join(available.Admin, ", "))
	}
	fmt.Fprintf(&b, "Usage: `%s <command> [args]`", ch.prefix)
	return b.String()
}

func (ch *CommandHandler) cmdWhoami(msg InboundMessage) string {
	name := ch.memory.GetName(msg.UserID, msg.UserName)
	active := ch.tags.UserActive(msg.UserID, msg.ChannelID)
	return fmt.Sprintf("%s (`%s`) in `%s`\nTags: %s", name, msg.UserID, msg.ChannelID, formatTags(active))
}

// cmdTagMutate handles "tagset <kind> <id> <tag>" and "tagdel <kind> <id> <tag>".
func (ch *CommandHandler) cmdTagMutate(ctx context.Context, msg InboundMessage, args []string, add bool) string {
	verb := CmdTagDel
	if add {
		verb = CmdTagSet
	}
	if len(args) != 3 {
		return fmt.Sprintf("Usage: `%s %s <conv|user|convuser> <id> <tag>`", ch.prefix, verb)
	}
	kind, err := tagging.ParseKind(args[0])
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	id, tag := args[1], args[2]

	var changed bool
	if add {
		changed, err = ch.tags.Add(kind, id, tag)
	} else {
		changed, err = ch.tags.Remove(kind, id, tag)
	}
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if !changed {
		if add {
			return fmt.Sprintf("`%s` already has tag `%s`.", id, strings.ToLower(tag))
		}
		return fmt.Sprintf("`%s` does not have tag `%s`.", id, strings.ToLower(tag))
	}
	action := "remove"
	if add {
		action = "add"
	}
	ch.audit(ctx, models.TagEvent{
		Action:         action,
		Kind:           kind.String(),
		EntityID:       id,
		Tag:            strings.ToLower(tag),
		Count:          1,
		ActorID:        msg.UserID,
		ConversationID: msg.ChannelID,
	})
	if add {
		return fmt.Sprintf("Tagged `%s` with `%s`.", id, strings.ToLower(tag))
	}
	return fmt.Sprintf("Removed `%s` from `%s`.", strings.ToLower(tag), id)
}

// cmdTagsPurge handles "tagspurge <kind> <id|ALL>".
func (ch *CommandHandler) cmdTagsPurge(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) != 2 {
		return fmt.Sprintf("Usage: `%s %s <user|convuser|conv|tag|usertag|convtag> <id|ALL>`", ch.prefix, CmdTagsPurge)
	}
	kind, err := tagging.ParsePurgeKind(args[0])
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	n, err := ch.tags.Purge(kind, args[1])
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if n > 0 {
		ch.audit(ctx, models.TagEvent{
			Action:         "purge",
			Kind:           kind.String(),
			EntityID:       args[1],
			Count:          n,
			ActorID:        msg.UserID,
			ConversationID: msg.ChannelID,
		})
	}
	return fmt.Sprintf("Purged %d tag assignment(s).", n)
}

// cmdTagsCommand handles "tagscommand <command>".
func (ch *CommandHandler) cmdTagsCommand(msg InboundMessage, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: `%s %s <command>`", ch.prefix, CmdTagsCommand)
	}
	name := strings.ToLower(args[0])
	req := ch.resolver.Requirement(name, msg.ChannelID)
	if len(req) == 0 {
		return fmt.Sprintf("`%s` has no tag requirement.", name)
	}
	groups := make([]string, 0, len(req))
	for _, g := range req {
		groups = append(groups, "["+strings.Join(g, " + ")+"]")
	}
	return fmt.Sprintf("`%s` requires any of: %s", name, strings.Join(groups, " or "))
}

// cmdTagsConv handles "tagsconv [conv_id]".
func (ch *CommandHandler) cmdTagsConv(msg InboundMessage, args []string) string {
	convID := msg.ChannelID
	if len(args) > 0 {
		convID = args[0]
	}
	return fmt.Sprintf("`%s`: %s", convID, formatTags(ch.tags.ConvActive(convID)))
}

// cmdTagsUser handles "tagsuser <chat_id> [conv_id]".
func (ch *CommandHandler) cmdTagsUser(msg InboundMessage, args []string) string {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Sprintf("Usage: `%s %s <chat_id> [conv_id]`", ch.prefix, CmdTagsUser)
	}
	convID := msg.ChannelID
	if len(args) == 2 {
		convID = args[1]
	}
	return fmt.Sprintf("`%s` in `%s`: %s", args[0], convID, formatTags(ch.tags.UserActive(args[0], convID)))
}

// cmdTagsUserList handles "tagsuserlist [conv_id] [tag...]".
func (ch *CommandHandler) cmdTagsUserList(msg InboundMessage, args []string) string {
	convID := msg.ChannelID
	if len(args) > 0 {
		convID = args[0]
		args = args[1:]
	}
	filter := make([]string, 0, len(args))
	for _, t := range args {
		filter = append(filter, strings.ToLower(t))
	}
	users := ch.tags.UserList(convID, filter)
	if len(users) == 0 {
		return "No matching users."
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "**Users in %s** (%d)\n", convID, len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, "%s (`%s`): %s\n", ch.memory.GetName(id, id), id, formatTags(users[id]))
	}
	return b.String()
}

func (ch *CommandHandler) cmdTagIndexDump() string {
	data, err := json.MarshalIndent(ch.tags.Indices(), "", "  ")
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return "```\n" + string(data) + "\n```"
}

// cmdConvFilter handles "convfilter [filter]".
func (ch *CommandHandler) cmdConvFilter(args []string) string {
	convs := ch.memory.Get(strings.Join(args, " "))
	if len(convs) == 0 {
		return "No conversations found."
	}
	ids := make([]string, 0, len(convs))
	for id := range convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "**Conversations** (%d)\n", len(ids))
	for _, id := range ids {
		c := convs[id]
		fmt.Fprintf(&b, "`%s` %-10s %3d  %s\n", id, c.Type, len(c.Participants), c.Title)
	}
	return b.String()
}

// cmdConvRemove handles "convremove <conv_id>".
func (ch *CommandHandler) cmdConvRemove(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: `%s %s <conv_id>`", ch.prefix, CmdConvRemove)
	}
	convID := args[0]
	if !ch.memory.Remove(convID) {
		return fmt.Sprintf("`%s` was not removed (unknown or not a group).", convID)
	}
	ch.tags.Refresh()
	ch.audit(ctx, models.TagEvent{
		Action:         "convremove",
		Kind:           tagging.KindConversation.String(),
		EntityID:       convID,
		ActorID:        msg.UserID,
		ConversationID: msg.ChannelID,
	})
	return fmt.Sprintf("Removed `%s` from memory.", convID)
}

// cmdUserReset handles "userreset <chat_id>".
func (ch *CommandHandler) cmdUserReset(ctx context.Context, msg InboundMessage, args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: `%s %s <chat_id>`", ch.prefix, CmdUserReset)
	}
	chatID := args[0]
	if !ch.memory.ResetUser(chatID) {
		return fmt.Sprintf("`%s` has no definitive record.", chatID)
	}
	ch.audit(ctx, models.TagEvent{
		Action:         "userreset",
		Kind:           tagging.KindUser.String(),
		EntityID:       chatID,
		ActorID:        msg.UserID,
		ConversationID: msg.ChannelID,
	})
	return fmt.Sprintf("Reset `%s`; the next roster update replaces the record.", chatID)
}

func (ch *CommandHandler) audit(ctx context.Context, ev models.TagEvent) {
	if ch.auditor == nil {
		return
	}
	if err := ch.auditor.Record(ctx, ev); err != nil {
		ch.logger.Warn("audit tag event", zap.String("action", ev.Action), zap.Error(err))
	}
}

func formatTags(tags []string) string {
	if len(tags) == 0 {
		return "(none)"
	}
	return strings.Join(tags, ", ")
}
