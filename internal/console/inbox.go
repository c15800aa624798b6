// Package console binds the reconcilers to their live channels: the inbox
// (case list) and the open conversation.
package console

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/cases"
	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/live"
)

// ErrNoOwner is returned when the signed-in identity carries no user id.
var ErrNoOwner = errors.New("unable to get user id from authentication token; run: chatview auth login")

// Options configures a controller's live channel.
type Options struct {
	Owner  string
	Live   live.Options
	Logger zerolog.Logger
	// OnChange runs after every applied live update or channel state change.
	OnChange func()
}

func (o Options) changed() {
	if o.OnChange != nil {
		o.OnChange()
	}
}

// liveOptions copies o.Live with the controller's handlers in front of any
// caller-supplied ones.
func (o Options) liveOptions(onFrame func(live.Frame)) live.Options {
	lo := o.Live
	user := lo.Handlers
	lo.Logger = o.Logger
	lo.Handlers = live.Handlers{
		OnConnect: func() {
			if user.OnConnect != nil {
				user.OnConnect()
			}
			o.changed()
		},
		OnMessage: func(f live.Frame) {
			onFrame(f)
			if user.OnMessage != nil {
				user.OnMessage(f)
			}
		},
		OnDisconnect: func(code int, reason string) {
			if user.OnDisconnect != nil {
				user.OnDisconnect(code, reason)
			}
			o.changed()
		},
		OnError: user.OnError,
	}
	return lo
}

// Inbox keeps the case list for one menu current.
type Inbox struct {
	opts Options
	log  zerolog.Logger
	list *cases.List
	ch   *live.Client
}

func NewInbox(f cases.Fetcher, menu chat.MenuType, opts Options, listOpts ...cases.Option) *Inbox {
	in := &Inbox{opts: opts, log: opts.Logger}
	in.list = cases.New(f, menu, append([]cases.Option{cases.WithLogger(opts.Logger)}, listOpts...)...)
	in.ch = live.New(opts.liveOptions(in.onFrame))
	return in
}

func (in *Inbox) List() *cases.List { return in.list }

func (in *Inbox) Channel() *live.Client { return in.ch }

func (in *Inbox) onFrame(f live.Frame) {
	if !f.JSON {
		in.log.Debug().Str("frame", f.Text()).Msg("ignoring non-JSON list frame")
		return
	}
	if in.list.ApplyFrame(f.Data) {
		in.opts.changed()
	}
}

// Start subscribes to the current menu's channel and loads the first page.
// The list loads even when the channel cannot be opened.
func (in *Inbox) Start(ctx context.Context) error {
	if strings.TrimSpace(in.opts.Owner) == "" {
		return ErrNoOwner
	}
	if err := in.ch.SetScope(live.ListScope(in.opts.Owner, string(in.list.Menu()))); err != nil {
		in.log.Warn().Err(err).Msg("list channel not opened")
	}
	return in.list.LoadPage(ctx, 0, true)
}

// SetMenu switches category: the channel is re-scoped and the list reset.
func (in *Inbox) SetMenu(ctx context.Context, menu chat.MenuType) error {
	if strings.TrimSpace(in.opts.Owner) == "" {
		return ErrNoOwner
	}
	if err := in.ch.SetScope(live.ListScope(in.opts.Owner, string(menu))); err != nil {
		in.log.Warn().Err(err).Str("menu", string(menu)).Msg("list channel not opened")
	}
	return in.list.SetMenu(ctx, menu)
}

// Close stops the channel. The list keeps its last state.
func (in *Inbox) Close() {
	in.ch.Disconnect()
}
