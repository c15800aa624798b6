package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/live"
)

func newDebugCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Diagnostics for the live channels",
	}
	cmd.AddCommand(newDebugWSCmd(a))
	return cmd
}

func newDebugWSCmd(a *app) *cobra.Command {
	var (
		scopeFlag string
		menuFlag  string
		userID    string
		send      string
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ws",
		Short: "Open a raw channel and print every frame and state change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			user, err := a.requireUser(ctx)
			if err != nil {
				return err
			}
			var scope live.Scope
			switch strings.ToLower(strings.TrimSpace(scopeFlag)) {
			case "list", "case":
				menu, err := chat.ParseMenu(menuFlag)
				if err != nil {
					return err
				}
				scope = live.ListScope(user.ID, string(menu))
			case "conversation", "individual":
				if strings.TrimSpace(userID) == "" {
					return errors.New("--user is required for the conversation scope")
				}
				menu, err := chat.ParseMenu(menuFlag)
				if err != nil {
					return err
				}
				scope = live.ConversationScope(user.ID, strings.TrimSpace(userID), string(menu))
			default:
				return fmt.Errorf("invalid --scope %q, expected list|conversation", scopeFlag)
			}

			var (
				outMu sync.Mutex
				ch    *live.Client
			)
			printf := func(format string, args ...any) {
				outMu.Lock()
				defer outMu.Unlock()
				fmt.Fprintf(a.out, "%s "+format, append([]any{time.Now().Format("15:04:05.000")}, args...)...)
			}
			ch = live.New(live.Options{
				BaseURL: a.cfg.WSBaseURL,
				Dialer:  live.WebsocketDialer{},
				Logger:  a.log,
				Handlers: live.Handlers{
					OnConnect: func() {
						printf("connected\n")
						if send != "" {
							if err := ch.Send(send); err != nil {
								printf("send failed: %v\n", err)
							}
						}
					},
					OnMessage: func(f live.Frame) {
						kind := "text"
						if f.JSON {
							kind = "json"
						}
						printf("<- %s %s\n", kind, f.Text())
					},
					OnDisconnect: func(code int, reason string) {
						printf("disconnected code=%d reason=%q\n", code, reason)
					},
					OnError: func(err error) { printf("error: %v\n", err) },
				},
			})
			if err := ch.SetScope(scope); err != nil {
				return err
			}
			runFor(ctx, duration)

			st := ch.Status()
			ch.Disconnect()
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(a.out, "State: %s  Failures: %d  Last close: %d\n", st.State, st.Failures, st.LastClose)
			if st.Error != "" {
				fmt.Fprintf(a.out, "Error: %s\n", st.Error)
			}
			printChannelLog(a.out, ch.Log())
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeFlag, "scope", "list", "channel: list|conversation")
	cmd.Flags().StringVar(&menuFlag, "menu", string(chat.MenuAll), "list filter the channel is scoped to")
	cmd.Flags().StringVar(&userID, "user", "", "visitor user id for the conversation scope")
	cmd.Flags().StringVar(&send, "send", "", "text frame to send once connected")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (default: until interrupted)")
	return cmd
}
