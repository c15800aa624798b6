package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/console"
	"github.com/aofiee/chat-view/internal/live"
	"github.com/aofiee/chat-view/internal/transcript"
)

func newChatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Read conversation transcripts",
	}
	cmd.AddCommand(newChatHistoryCmd(a), newChatOpenCmd(a))
	return cmd
}

func newChatHistoryCmd(a *app) *cobra.Command {
	var (
		userID  string
		pages   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a conversation's history, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			userID = strings.TrimSpace(userID)
			if userID == "" {
				return errors.New("--user is required")
			}
			if pages <= 0 {
				return errors.New("--pages must be greater than 0")
			}
			if _, err := a.requireUser(ctx); err != nil {
				return err
			}

			tr := transcript.New(a.gw, transcript.WithPageSize(a.cfg.PageSize), transcript.WithLogger(a.log))
			if _, err := tr.Open(ctx, userID); err != nil {
				return fmt.Errorf("%s: %w", transcript.LoadErrorMessage, err)
			}
			tr.CompleteInitialLoad()
			for i := 1; i < pages && tr.ShouldLoadOlder(0); i++ {
				if _, err := tr.LoadOlder(ctx); err != nil {
					return fmt.Errorf("%s: %w", transcript.LoadErrorMessage, err)
				}
			}
			snap := tr.Snapshot()

			if jsonOut {
				return a.printJSON(map[string]any{
					"profile":  a.cfg.Profile,
					"userId":   userID,
					"messages": snap.Messages,
					"hasMore":  snap.HasMore,
				})
			}
			printMessages(a.out, snap.Messages)
			if snap.HasMore {
				fmt.Fprintln(a.out, "Older messages available; raise --pages to see them.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "visitor user id")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newChatOpenCmd(a *app) *cobra.Command {
	var (
		userID   string
		menuFlag string
		showLog  bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a conversation and follow new messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			userID = strings.TrimSpace(userID)
			if userID == "" {
				return errors.New("--user is required")
			}
			menu, err := chat.ParseMenu(menuFlag)
			if err != nil {
				return err
			}
			user, err := a.requireUser(ctx)
			if err != nil {
				return err
			}

			f := newTranscriptFollower(a.out)
			conv := console.NewConversation(a.gw, console.Options{
				Owner:  user.ID,
				Logger: a.log,
				Live: live.Options{
					BaseURL: a.cfg.WSBaseURL,
					Dialer:  live.WebsocketDialer{},
					Handlers: live.Handlers{
						OnConnect: func() { f.printf("* connected to conversation %s\n", userID) },
						OnDisconnect: func(code int, reason string) {
							f.printf("* disconnected (%d) %s\n", code, reason)
						},
						OnError: func(err error) { f.printf("* %v\n", err) },
					},
				},
			}, transcript.WithPageSize(a.cfg.PageSize))
			conv.OnIntent = func(transcript.Intent) {
				f.update(conv.Transcript().Snapshot().Messages)
			}
			defer conv.Close()

			if err := conv.SetMenu(menu); err != nil {
				return err
			}
			if _, err := conv.Open(ctx, userID); err != nil {
				return fmt.Errorf("%s: %w", transcript.LoadErrorMessage, err)
			}
			tr := conv.Transcript()
			tr.SetAtBottom(true)
			tr.CompleteInitialLoad()
			f.start(tr.Snapshot().Messages)

			runFor(ctx, duration)
			conv.Channel().Disconnect()

			if showLog {
				f.mu.Lock()
				printChannelLog(a.out, conv.Channel().Log())
				f.mu.Unlock()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "visitor user id")
	cmd.Flags().StringVar(&menuFlag, "menu", string(chat.MenuAll), "list filter the conversation was opened from")
	cmd.Flags().BoolVar(&showLog, "log", false, "print the channel log on exit")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}

// transcriptFollower prints a conversation as it changes. Updates that
// arrive before start are held back; start prints the whole transcript.
type transcriptFollower struct {
	mu    sync.Mutex
	w     io.Writer
	ready bool
	shown map[string]time.Time // message id -> version printed
}

func newTranscriptFollower(w io.Writer) *transcriptFollower {
	return &transcriptFollower{w: w, shown: map[string]time.Time{}}
}

func (f *transcriptFollower) printf(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.w, format, args...)
}

func (f *transcriptFollower) start(msgs []chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	printMessages(f.w, msgs)
	for _, m := range msgs {
		f.shown[m.MessageID] = m.Version()
	}
	if n := len(msgs); n > 0 {
		fmt.Fprintf(f.w, "-- last message %s --\n", humanize.Time(msgs[n-1].CreatedAt.Time))
	}
	f.ready = true
}

// update prints messages not shown yet, and messages whose version moved
// past the one shown, marked as edited.
func (f *transcriptFollower) update(msgs []chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		return
	}
	for _, m := range msgs {
		if m.MessageID == "" {
			continue
		}
		v := m.Version()
		prev, seen := f.shown[m.MessageID]
		switch {
		case !seen:
			printMessage(f.w, m, "")
		case v.After(prev):
			printMessage(f.w, m, " (edited)")
		default:
			continue
		}
		f.shown[m.MessageID] = v
	}
}

func printMessages(w io.Writer, msgs []chat.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		printMessage(w, m, "")
	}
}

func printMessage(w io.Writer, m chat.Message, note string) {
	ts := "--"
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("2006-01-02 15:04")
	}
	name := firstNonEmpty(m.Name, m.UserID)
	if m.Author() == chat.AuthorOperator {
		name = "operator"
	}
	fmt.Fprintf(w, "[%s] %-8s %s: %s%s\n", ts, m.Author(), name, m.Text(), note)
}
