package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/aofiee/chat-view/internal/mockserver"
)

var chatterLines = []string{
	"Hi, is anyone there?",
	"My order has not arrived yet.",
	"Can I change the delivery address?",
	"Thanks for the quick reply!",
	"The payment page keeps timing out.",
}

func newServeMockCmd(a *app) *cobra.Command {
	var (
		addr     string
		seed     int
		tokenTTL time.Duration
		chatter  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run a local mock support backend for development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if seed < 0 {
				return errors.New("--seed must be >= 0")
			}
			srv := mockserver.New(mockserver.Options{
				CallbackURL: "http://" + a.cfg.CallbackAddr + callbackPath,
				Seed:        seed,
				TokenTTL:    tokenTTL,
				Logger:      a.log,
			})
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			op := srv.Operator()
			fmt.Fprintf(a.out, "Mock backend on http://%s/v1/api (operator %s <%s>)\n", ln.Addr(), op.DisplayName, op.Email)
			fmt.Fprintf(a.out, "Point the client at it: chatview config set api_base_url http://%s/v1/api\n", ln.Addr())

			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(ln) }()
			if chatter > 0 {
				go runChatter(cmd, srv, chatter)
			}

			select {
			case <-ctx.Done():
			case err := <-errc:
				return err
			}
			return srv.Shutdown()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().IntVar(&seed, "seed", mockserver.DefaultSeed, "number of seeded conversations")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", mockserver.DefaultTokenTTL, "access token lifetime")
	cmd.Flags().DurationVar(&chatter, "chatter", 0, "inject a visitor message at this interval (0 disables)")
	return cmd
}

// runChatter cycles through the seeded conversations, adding one visitor
// message per tick until the command's context ends.
func runChatter(cmd *cobra.Command, srv *mockserver.Server, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-cmd.Context().Done():
			return
		case <-t.C:
		}
		ids := srv.ConversationIDs()
		if len(ids) == 0 {
			continue
		}
		// pick from the tail so conversations rotate to the front in turn
		id := ids[len(ids)-1]
		if _, err := srv.Inject(mockserver.InjectRequest{UserID: id, Text: chatterLines[i%len(chatterLines)]}); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "chatter:", err)
		}
	}
}
