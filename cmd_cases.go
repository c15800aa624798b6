package main

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aofiee/chat-view/internal/cases"
	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/console"
	"github.com/aofiee/chat-view/internal/live"
)

func newCasesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List and watch support cases",
	}
	cmd.AddCommand(newCasesListCmd(a), newCasesWatchCmd(a))
	return cmd
}

func newCasesListCmd(a *app) *cobra.Command {
	var (
		menuFlag string
		limit    int
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases for a menu",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			menu, err := chat.ParseMenu(menuFlag)
			if err != nil {
				return err
			}
			if limit <= 0 {
				return errors.New("--limit must be greater than 0")
			}
			user, err := a.requireUser(ctx)
			if err != nil {
				return err
			}

			l := cases.New(a.gw, menu, cases.WithPageSize(a.cfg.PageSize), cases.WithLogger(a.log))
			if err := l.LoadPage(ctx, 0, true); err != nil {
				return fmt.Errorf("%s: %w", cases.LoadErrorMessage, err)
			}
			if err := l.AutoContinue(ctx, limit); err != nil {
				return fmt.Errorf("%s: %w", cases.LoadErrorMessage, err)
			}
			snap := l.Snapshot()
			items := snap.Items
			more := snap.HasMore
			if len(items) > limit {
				items, more = items[:limit], true
			}

			if jsonOut {
				return a.printJSON(map[string]any{
					"profile":  a.cfg.Profile,
					"operator": user.ID,
					"menu":     menu,
					"cases":    items,
					"hasMore":  more,
				})
			}
			fmt.Fprintf(a.out, "%s (%s)\n", menu.Title(), humanize.Comma(int64(len(items))))
			printSummaries(a.out, items)
			if more {
				fmt.Fprintln(a.out, "More cases available; raise --limit to see them.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&menuFlag, "menu", string(chat.MenuAll), "menu: all|me|finished")
	cmd.Flags().IntVar(&limit, "limit", 30, "number of cases to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func newCasesWatchCmd(a *app) *cobra.Command {
	var (
		menuFlag string
		showLog  bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load a menu and print live case updates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			menu, err := chat.ParseMenu(menuFlag)
			if err != nil {
				return err
			}
			user, err := a.requireUser(ctx)
			if err != nil {
				return err
			}

			var outMu sync.Mutex
			printf := func(format string, args ...any) {
				outMu.Lock()
				defer outMu.Unlock()
				fmt.Fprintf(a.out, format, args...)
			}
			in := console.NewInbox(a.gw, menu, console.Options{
				Owner:  user.ID,
				Logger: a.log,
				Live: live.Options{
					BaseURL: a.cfg.WSBaseURL,
					Dialer:  live.WebsocketDialer{},
					Handlers: live.Handlers{
						OnConnect: func() { printf("* connected to %s updates\n", menu) },
						OnDisconnect: func(code int, reason string) {
							printf("* disconnected (%d) %s\n", code, reason)
						},
						OnError: func(err error) { printf("* %v\n", err) },
						OnMessage: func(f live.Frame) {
							if s, ok := chat.DecodeSummaryUpdate(f.Data, time.Now()); ok {
								printf("[%s] %s: %s\n", s.UpdatedAt.Local().Format("15:04:05"), firstNonEmpty(s.Name, s.ConversationID), chat.CompactText(s.Preview))
							}
						},
					},
				},
			}, cases.WithPageSize(a.cfg.PageSize))
			defer in.Close()

			if err := in.Start(ctx); err != nil {
				return fmt.Errorf("%s: %w", cases.LoadErrorMessage, err)
			}
			outMu.Lock()
			snap := in.List().Snapshot()
			fmt.Fprintf(a.out, "%s (%d loaded)\n", menu.Title(), len(snap.Items))
			printSummaries(a.out, snap.Items)
			outMu.Unlock()

			runFor(ctx, duration)
			in.Close()

			if showLog {
				outMu.Lock()
				printChannelLog(a.out, in.Channel().Log())
				outMu.Unlock()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&menuFlag, "menu", string(chat.MenuAll), "menu: all|me|finished")
	cmd.Flags().BoolVar(&showLog, "log", false, "print the channel log on exit")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}

func printSummaries(w io.Writer, items []chat.Summary) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No cases.")
		return
	}
	for _, s := range items {
		line := fmt.Sprintf("- %s (%s): %s", firstNonEmpty(s.Name, "(unknown)"), s.ConversationID, chat.CompactText(s.Preview))
		if !s.UpdatedAt.IsZero() {
			line += " · " + humanize.Time(s.UpdatedAt)
		}
		fmt.Fprintln(w, line)
	}
}

func printChannelLog(w io.Writer, entries []live.LogEntry) {
	fmt.Fprintln(w, "Channel log:")
	for _, e := range entries {
		fmt.Fprintf(w, "%s %-7s %s\n", e.Time.Local().Format("15:04:05"), e.Type, e.Message)
	}
}
