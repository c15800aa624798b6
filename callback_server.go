package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/auth"
)

const callbackPath = "/auth/callback"

// callbackServer is the loopback listener the provider redirects the
// browser to. It hands the first terminal result to the waiting login.
type callbackServer struct {
	handler *auth.CallbackHandler
	log     zerolog.Logger
	results chan auth.CallbackResult
	srv     *http.Server

	mu    sync.Mutex
	final *auth.CallbackResult
}

func newCallbackServer(h *auth.CallbackHandler, log zerolog.Logger) *callbackServer {
	cs := &callbackServer{handler: h, log: log, results: make(chan auth.CallbackResult, 1)}
	cs.srv = &http.Server{Handler: cs.routes(), ReadHeaderTimeout: 5 * time.Second}
	return cs
}

func (cs *callbackServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(callbackPath, cs.handleCallback)
	r.Get("/login", func(w http.ResponseWriter, _ *http.Request) {
		writePage(w, http.StatusOK, "Sign-in required", "Run chatview auth login to start signing in.")
	})
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writePage(w, http.StatusOK, "chatview", "You can close this tab and return to the terminal.")
	})
	return r
}

func (cs *callbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	// the scrubbed address shows the stored outcome
	if r.URL.RawQuery == "" {
		cs.mu.Lock()
		final := cs.final
		cs.mu.Unlock()
		if final != nil {
			renderResult(w, *final)
			return
		}
	}

	// the exchange must finish even if the browser goes away
	res, err := cs.handler.Handle(context.WithoutCancel(r.Context()), auth.ParamsFromQuery(r.URL.Query()))
	if errors.Is(err, auth.ErrCallbackProcessed) {
		writePage(w, http.StatusConflict, "Already processed", "This sign-in has already been handled.")
		return
	}
	if err != nil {
		cs.log.Error().Err(err).Msg("oauth callback failed")
	}

	if res.Status == auth.CallbackLoading {
		if res.Redirect != "" {
			http.Redirect(w, r, res.Redirect, http.StatusFound)
			return
		}
		writePage(w, http.StatusOK, "Signing in", res.Message)
		return
	}

	cs.mu.Lock()
	cs.final = &res
	cs.mu.Unlock()
	select {
	case cs.results <- res:
	default:
	}
	if res.Scrub {
		// drop code and state from the address bar
		http.Redirect(w, r, callbackPath, http.StatusSeeOther)
		return
	}
	renderResult(w, res)
}

// renderResult writes the status page for a terminal result. A redirect
// target is followed after RedirectAfter through the Refresh header.
func renderResult(w http.ResponseWriter, res auth.CallbackResult) {
	if res.Redirect != "" {
		secs := strconv.FormatFloat(res.RedirectAfter.Seconds(), 'f', -1, 64)
		w.Header().Set("Refresh", secs+"; url="+res.Redirect)
	}
	if res.Status == auth.CallbackSuccess {
		writePage(w, http.StatusOK, "Signed in", res.Message)
		return
	}
	writePage(w, http.StatusBadRequest, "Sign-in failed", res.Message)
}

func writePage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}

func (cs *callbackServer) serve(ln net.Listener) {
	go func() {
		if err := cs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.log.Error().Err(err).Msg("callback listener failed")
		}
	}()
}

func (cs *callbackServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = cs.srv.Shutdown(ctx)
}

// wait returns the first terminal callback result.
func (cs *callbackServer) wait(ctx context.Context, timeout time.Duration) (auth.CallbackResult, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case res := <-cs.results:
		return res, nil
	case <-ctx.Done():
		return auth.CallbackResult{}, ctx.Err()
	case <-t.C:
		return auth.CallbackResult{}, fmt.Errorf("timed out waiting for browser callback after %s", timeout)
	}
}
