package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatsync/aggregate"
	"chatsync/engine"
	"chatsync/models"
)

var (
	dim     = color.New(color.FgHiBlack).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
	success = color.New(color.FgGreen).SprintFunc()
	warn    = color.New(color.FgYellow).SprintFunc()
)

func statusColor(status models.Status) func(a ...interface{}) string {
	switch status {
	case models.StatusRead:
		return color.New(color.FgGreen).SprintFunc()
	case models.StatusDelivered:
		return color.New(color.FgCyan).SprintFunc()
	case models.StatusSending:
		return color.New(color.FgYellow).SprintFunc()
	case models.StatusFailed:
		return color.New(color.FgRed).SprintFunc()
	default:
		return color.New(color.FgWhite).SprintFunc()
	}
}

func printMessage(message models.Message) {
	line := fmt.Sprintf("%s %s %s",
		dim(message.CreatedAt.Local().Format("15:04:05")),
		bold("@"+message.Author.Handle),
		message.Content,
	)
	if message.EditedAt != nil {
		line += dim(" (edited)")
	}
	if message.Pinned {
		line += warn(" [pinned]")
	}
	fmt.Printf("%s  %s %s\n", line, statusColor(message.Status)(string(message.Status)), dim(message.ID))

	for _, item := range message.Media {
		fmt.Printf("    %s %s\n", dim("media"), item.Kind())
	}
	if len(message.Reactions) > 0 {
		parts := make([]string, 0, len(message.Reactions))
		for _, reaction := range message.Reactions {
			part := fmt.Sprintf("%s %d", reaction.Emoji, reaction.Count)
			if reaction.UserReacted {
				part = bold(part)
			}
			parts = append(parts, part)
		}
		fmt.Printf("    %s\n", strings.Join(parts, "  "))
	}
	if message.Poll != nil {
		printPoll(*message.Poll)
	}
}

func printPoll(poll models.Poll) {
	fmt.Printf("    %s %s (%d votes)\n", bold("poll"), poll.Question, poll.TotalVotes)
	for i, option := range poll.Options {
		marker := " "
		if option.ID == poll.UserVote {
			marker = success("✓")
		}
		fmt.Printf("    %s %d. %s  %d  %s\n", marker, i+1, option.Text, option.Votes, dim(option.ID))
	}
}

func reportSoft(err error) error {
	if err != nil && engine.IsSoft(err) {
		color.Yellow("⚠️  %v", err)
		return nil
	}
	return err
}

func createInfoCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the local identity and data locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			fmt.Printf("Viewer ID:       %s\n", a.cfg.Viewer.ID)
			fmt.Printf("Handle:          @%s\n", a.cfg.Viewer.Handle)
			fmt.Printf("Display Name:    %s\n", a.cfg.Viewer.DisplayName)
			fmt.Printf("Config File:     %s\n", a.cfgPath)
			fmt.Printf("Database File:   %s\n", a.dbPath)
			if a.redis != nil {
				state := success("reachable")
				if err := a.redis.Ping(cmd.Context()); err != nil {
					state = color.RedString("unreachable: %v", err)
				}
				fmt.Printf("Drafts:          redis (sealed, %s)\n", state)
			} else {
				fmt.Printf("Drafts:          sqlite\n")
			}
			return nil
		},
	}
}

func createJoinCmd(current func() *app, conversationID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join <handle>...",
		Short: "Create the conversation with the given members",
		Long: `Create the conversation or add members to it. Unknown handles are
registered as local users with the id u-<handle>.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()

			members := []models.UserSummary{a.engine.Viewer()}
			for _, handle := range args {
				user, err := a.store.GetUserByHandle(ctx, handle)
				if err != nil {
					handle = strings.ToLower(strings.TrimPrefix(handle, "@"))
					user = models.UserSummary{ID: "u-" + handle, Handle: handle, DisplayName: handle}
				}
				members = append(members, user)
			}

			conversation, err := a.store.CreateConversation(ctx, *conversationID, members)
			if err != nil {
				return err
			}
			color.Green("✅ Conversation %s has %d members", conversation.ID, len(conversation.Participants))
			return nil
		},
	}
}

func createSendCmd(current func() *app, conversationID *string) *cobra.Command {
	var (
		replyTo  string
		question string
		options  []string
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message, optionally with a poll",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}

			draft := models.Draft{Text: strings.Join(args, " "), ReplyTo: replyTo}
			if question != "" {
				draft.Poll = &models.PollDraft{Question: question, Options: options}
			}

			pending, err := a.engine.Send(ctx, *conversationID, draft)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", warn("sending"), dim(pending.ID()))

			message, err := pending.Wait(ctx)
			if err != nil && engine.CodeOf(err) != engine.CodeTimeout {
				return err
			}
			if err != nil {
				color.Yellow("⚠️  store did not answer in time; shown as sent")
			}
			printMessage(message)

			if follow && err == nil {
				return followStatus(ctx, a, *conversationID, message.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message id this message replies to")
	cmd.Flags().StringVar(&question, "poll", "", "Attach a poll with this question")
	cmd.Flags().StringArrayVar(&options, "option", nil, "Poll option (repeat for each option)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep running until the message is read")

	return cmd
}

// followStatus prints status changes of messageID until it is read.
func followStatus(ctx context.Context, a *app, conversationID, messageID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	last := models.StatusSent
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-a.engine.Events():
			if !ok {
				return nil
			}
			if event.ConversationID != conversationID {
				continue
			}
			message, found := a.engine.Message(conversationID, messageID)
			if !found {
				return errors.New("message disappeared")
			}
			if message.Status != last {
				last = message.Status
				fmt.Printf("%s %s\n", statusColor(last)(string(last)), dim(messageID))
			}
			if last == models.StatusRead {
				return nil
			}
		}
	}
}

func createHistoryCmd(current func() *app, conversationID *string) *cobra.Command {
	var (
		before string
		pages  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the newest messages, optionally paging further back",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()

			page, err := a.open(ctx, *conversationID)
			if err != nil {
				return err
			}
			if before != "" && pages == 0 {
				pages = 1
			}
			hasMore := page.HasMore || before != ""
			for i := 0; i < pages && hasMore; i++ {
				older, err := a.engine.LoadOlder(ctx, *conversationID, before)
				if err != nil {
					return err
				}
				hasMore = older.HasMore
				before = ""
			}

			view, _ := a.engine.Snapshot(*conversationID)
			for _, message := range view.Messages {
				printMessage(message)
			}
			if view.HasMore {
				fmt.Println(dim("… older messages available (--pages)"))
			}

			if _, err := a.client.MarkRead(ctx, *conversationID); err != nil {
				a.logger.Warn("mark_read_failed", zap.String("conversation", *conversationID), zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "Page back from this message id instead of the oldest loaded one")
	cmd.Flags().IntVar(&pages, "pages", 0, "Number of older pages to load")

	return cmd
}

func createEditCmd(current func() *app, conversationID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text...>",
		Short: "Edit one of your messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}
			message, err := a.engine.Edit(ctx, *conversationID, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return reportSoft(err)
			}
			printMessage(message)
			return nil
		},
	}
}

func createDeleteCmd(current func() *app, conversationID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}
			if err := a.engine.Delete(ctx, *conversationID, args[0]); err != nil {
				return reportSoft(err)
			}
			color.Green("✅ Deleted %s", args[0])
			return nil
		},
	}
}

func createPinCmd(current func() *app, conversationID *string) *cobra.Command {
	var unpin bool

	cmd := &cobra.Command{
		Use:   "pin <message-id>",
		Short: "Pin or unpin a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}
			message, err := a.engine.Pin(ctx, *conversationID, args[0], !unpin)
			if err != nil {
				return reportSoft(err)
			}
			printMessage(message)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unpin, "off", false, "Unpin instead of pinning")

	return cmd
}

func createReactCmd(current func() *app, conversationID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "react <message-id> [emoji]",
		Short: "Toggle a reaction; without an emoji, double-tap a heart",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}

			var (
				reactions []models.ReactionAggregate
				err       error
			)
			if len(args) == 1 || args[1] == aggregate.Heart {
				reactions, err = a.engine.DoubleTapReaction(ctx, *conversationID, args[0])
			} else {
				reactions, err = a.engine.ToggleReaction(ctx, *conversationID, args[0], args[1])
			}
			if err != nil {
				return reportSoft(err)
			}

			message, _ := a.engine.Message(*conversationID, args[0])
			message.Reactions = reactions
			printMessage(message)
			return nil
		},
	}
}

func createVoteCmd(current func() *app, conversationID *string) *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "vote <post-id> [option]",
		Short: "Vote on a poll by option number or id",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}

			postID := args[0]
			poll, found := a.engine.Poll(postID)
			if !found {
				stored, err := a.client.GetPoll(ctx, postID)
				if err != nil {
					return err
				}
				if err := a.engine.TrackPoll(postID, stored); err != nil {
					return err
				}
				poll = stored
			}

			optionID := ""
			if !clear {
				if len(args) < 2 {
					printPoll(poll)
					return nil
				}
				optionID = resolveOption(poll, args[1])
			}

			updated, err := a.engine.Vote(ctx, postID, optionID)
			if err := reportSoft(err); err != nil {
				return err
			}
			printPoll(updated)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Withdraw your vote")

	return cmd
}

// resolveOption maps a 1-based option number to its id. Anything else is
// passed through as an id.
func resolveOption(poll models.Poll, arg string) string {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(poll.Options) {
		return poll.Options[n-1].ID
	}
	return arg
}

func createDraftCmd(current func() *app, conversationID *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Save, show or clear the conversation draft",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "save <text...>",
		Short: "Save the draft text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := current().engine.SaveDraft(cmd.Context(), *conversationID, models.Draft{Text: strings.Join(args, " ")}); err != nil {
				return err
			}
			color.Green("✅ Draft saved")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the saved draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, found, err := current().engine.LoadDraft(cmd.Context(), *conversationID)
			if err != nil {
				return err
			}
			if !found {
				fmt.Println(dim("no draft"))
				return nil
			}
			fmt.Println(draft.Text)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard the saved draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := current().engine.ClearDraft(cmd.Context(), *conversationID); err != nil {
				return err
			}
			color.Green("✅ Draft cleared")
			return nil
		},
	})

	return cmd
}

func createNotificationsCmd(current func() *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List reactions and mentions addressed to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx := cmd.Context()
			viewer := a.engine.Viewer()

			reactions, err := a.store.Notifications(ctx, viewer.ID, limit)
			if err != nil {
				return err
			}
			mentions, err := a.store.Notifications(ctx, viewer.Handle, limit)
			if err != nil {
				return err
			}
			for _, event := range append(reactions, mentions...) {
				detail := event.Metadata["emoji"]
				fmt.Printf("%s %s %s %s %s\n", bold(event.Type), event.Actor, detail, dim(event.ConversationID), dim(event.Target))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum notifications per kind")

	return cmd
}

func createWatchCmd(current func() *app, conversationID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print engine events and serve metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := current()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := a.open(ctx, *conversationID); err != nil {
				return err
			}

			if addr := a.cfg.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics_server_failed", zap.Error(err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				color.Green("📈 Metrics on http://%s/metrics", addr)
			}

			color.Cyan("👀 Watching %s (Ctrl+C to stop)", *conversationID)
			errs := a.engine.Errors()
			for {
				select {
				case <-ctx.Done():
					color.Yellow("\n🛑 Stopping")
					return nil
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					color.Red("background: %v", err)
				case event, ok := <-a.engine.Events():
					if !ok {
						return nil
					}
					fmt.Printf("%s %s %s\n", dim(time.Now().Format("15:04:05")), bold(string(event.Type)), dim(event.ConversationID+" "+event.MessageID+event.PostID))
				}
			}
		},
	}
}
