package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aofiee/chat-view/internal/auth"
)

func newAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign in and manage the stored session",
	}
	cmd.AddCommand(newAuthLoginCmd(a), newAuthStatusCmd(a), newAuthLogoutCmd(a))
	return cmd
}

func newAuthLoginCmd(a *app) *cobra.Command {
	var (
		noOpen  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				return errors.New("--timeout must be greater than 0")
			}
			return a.login(cmd.Context(), noOpen || !isInteractive(), timeout)
		},
	}
	cmd.Flags().BoolVar(&noOpen, "no-open", false, "do not open the browser automatically")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the browser callback")
	return cmd
}

func (a *app) login(ctx context.Context, noOpen bool, timeout time.Duration) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", a.cfg.CallbackAddr)
	if err != nil {
		return fmt.Errorf("callback address %s unavailable (set callback_addr): %w", a.cfg.CallbackAddr, err)
	}
	cs := newCallbackServer(auth.NewCallbackHandler(s, a.authc, a.log), a.log)
	cs.serve(ln)
	defer cs.shutdown()

	signinURL, err := a.authc.SigninURL(ctx)
	if err != nil {
		return fmt.Errorf("start sign-in: %w", err)
	}
	authURL, err := withState(ctx, s, signinURL)
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Open this URL to sign in:")
	fmt.Fprintln(a.out, authURL)
	if !noOpen {
		if oerr := openBrowser(authURL); oerr != nil {
			fmt.Fprintln(a.errOut, "warning: could not open browser automatically:", oerr)
		}
	}

	res, err := cs.wait(ctx, timeout)
	if err != nil {
		return err
	}
	if res.Status != auth.CallbackSuccess || res.User == nil {
		return fmt.Errorf("sign-in failed: %s", res.Message)
	}
	fmt.Fprintf(a.out, "Signed in as %s <%s> (profile %q)\n", firstNonEmpty(res.User.DisplayName, res.User.ID), res.User.Email, a.cfg.Profile)
	return nil
}

// withState records the state the backend put in the authorization URL, or
// mints one and adds it when the URL carries none.
func withState(ctx context.Context, s *auth.Session, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization url: %w", err)
	}
	q := u.Query()
	if state := q.Get("state"); state != "" {
		return rawURL, s.RecordNonce(ctx, state)
	}
	state, err := s.IssueNonce(ctx)
	if err != nil {
		return "", err
	}
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type authStatus struct {
	Profile       string     `json:"profile"`
	Store         string     `json:"store"`
	Authenticated bool       `json:"authenticated"`
	Refreshed     bool       `json:"refreshed,omitempty"`
	User          *auth.User `json:"user,omitempty"`
	Expiry        *time.Time `json:"expiry,omitempty"`
}

func newAuthStatusCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session, refreshing it when expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			state, err := s.Restore(ctx)
			if err != nil {
				return err
			}
			st := authStatus{
				Profile:       a.cfg.Profile,
				Store:         a.cfg.StoreBackend,
				Authenticated: state.Authenticated,
				Refreshed:     state.Refreshed,
				User:          state.User,
			}
			if tok, err := s.Tokens(ctx); err == nil {
				if exp, ok := auth.TokenExpiry(tok.AccessToken); ok {
					st.Expiry = &exp
				}
			}
			if jsonOut {
				return a.printJSON(st)
			}
			printAuthStatus(a, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func printAuthStatus(a *app, st authStatus) {
	fmt.Fprintf(a.out, "Profile: %s\n", st.Profile)
	fmt.Fprintf(a.out, "Store: %s\n", st.Store)
	fmt.Fprintf(a.out, "Authenticated: %v\n", st.Authenticated)
	if !st.Authenticated {
		fmt.Fprintln(a.out, "Run: chatview auth login")
		return
	}
	if st.User != nil {
		fmt.Fprintf(a.out, "User: %s <%s>\n", st.User.DisplayName, st.User.Email)
		fmt.Fprintf(a.out, "User ID: %s\n", st.User.ID)
	}
	if st.Expiry != nil {
		fmt.Fprintf(a.out, "Access token expires: %s (%s)\n", st.Expiry.Format(time.RFC3339), humanize.Time(*st.Expiry))
	}
	if st.Refreshed {
		fmt.Fprintln(a.out, "Access token was refreshed")
	}
}

func newAuthLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.ClearAuth(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Signed out profile %q\n", a.cfg.Profile)
			return nil
		},
	}
}
