package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aofiee/chat-view/internal/api"
	"github.com/aofiee/chat-view/internal/auth"
	"github.com/aofiee/chat-view/internal/config"
	"github.com/aofiee/chat-view/internal/logger"
	"github.com/aofiee/chat-view/internal/metrics"
	"github.com/aofiee/chat-view/internal/store"
)

var version = "dev"

func main() {
	a := &app{out: os.Stdout, errOut: os.Stderr}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries what one invocation needs. Store, session and clients are
// opened on first use so config commands work without a backend.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath  string
	profile     string
	logLevel    string
	metricsAddr string

	cfg *config.Config
	log zerolog.Logger

	st      store.Store
	session *auth.Session
	authc   *api.AuthClient
	gw      *api.Gateway
	metrics *http.Server
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatview",
		Short:         "Customer-support chat console client",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file path (default is <user config dir>/chatview/config.yaml)")
	pf.StringVar(&a.profile, "profile", "", "profile name")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	root.AddCommand(
		newAuthCmd(a),
		newCasesCmd(a),
		newChatCmd(a),
		newDebugCmd(a),
		newConfigCmd(a),
		newServeMockCmd(a),
	)
	return root
}

// setup loads config and the logger. A preset cfg is kept.
func (a *app) setup(ctx context.Context) error {
	if a.cfg == nil {
		path, err := a.resolvedConfigPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	a.cfg.Profile = firstNonEmpty(a.profile, a.cfg.Profile, "default")
	a.cfg.LogLevel = firstNonEmpty(a.logLevel, a.cfg.LogLevel)
	a.cfg.MetricsAddr = firstNonEmpty(a.metricsAddr, a.cfg.MetricsAddr)
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.log = logger.New(logger.Options{Level: a.cfg.LogLevel, Format: a.cfg.LogFormat, Out: a.errOut}).
		With().Str("profile", a.cfg.Profile).Logger()
	return a.startMetrics(ctx)
}

func (a *app) startMetrics(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" || a.metrics != nil {
		return nil
	}
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{Addr: a.cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", a.cfg.MetricsAddr).Msg("metrics listener failed")
		}
	}()
	a.log.Debug().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
	return nil
}

// openSession opens the token store and wires session, auth client and
// gateway.
func (a *app) openSession(ctx context.Context) (*auth.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	if a.st == nil {
		opts := store.Options{
			Backend:   a.cfg.StoreBackend,
			RedisURL:  a.cfg.RedisURL,
			Namespace: "chatview:" + a.cfg.Profile,
		}
		if a.cfg.StoreBackend == store.BackendPebble {
			p, err := a.cfg.ResolvedStorePath()
			if err != nil {
				return nil, err
			}
			opts.Path = p
		}
		st, err := store.Open(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("open token store: %w", err)
		}
		a.st = st
	}

	authc, err := api.NewAuthClient(a.cfg.APIBaseURL,
		api.WithRefreshPath(a.cfg.RefreshPath),
		api.WithAuthLogger(a.log),
	)
	if err != nil {
		return nil, err
	}
	session := auth.NewSession(a.st, authc, auth.WithLogger(a.log))
	gw, err := api.NewGateway(a.cfg.APIBaseURL, session,
		api.WithRateLimit(a.cfg.RateLimit),
		api.WithGatewayLogger(a.log),
	)
	if err != nil {
		return nil, err
	}
	gw.OnSignOut = func(reason string) {
		a.log.Warn().Str("reason", reason).Msg("signed out; run: chatview auth login")
	}
	a.authc, a.session, a.gw = authc, session, gw
	return session, nil
}

// requireUser restores the session and returns the signed-in operator.
func (a *app) requireUser(ctx context.Context) (*auth.User, error) {
	s, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if !state.Authenticated || state.User == nil {
		return nil, errors.New("not signed in; run: chatview auth login")
	}
	if state.Refreshed {
		a.log.Debug().Msg("access token refreshed")
	}
	return state.User, nil
}

func (a *app) close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn().Err(err).Msg("closing token store")
		}
	}
}

// runFor blocks until ctx is done or d elapses; d <= 0 waits for ctx only.
func runFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32.exe", "url.dll,FileProtocolHandler", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}

func (a *app) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(b))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
