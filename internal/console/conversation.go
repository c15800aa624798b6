package console

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/live"
	"github.com/aofiee/chat-view/internal/transcript"
)

// Conversation keeps one visitor's transcript current. Intents produced by
// live updates are handed to OnIntent. The channel is scoped to the list
// filter the conversation was opened from.
type Conversation struct {
	opts     Options
	menu     chat.MenuType
	log      zerolog.Logger
	tr       *transcript.Transcript
	ch       *live.Client
	OnIntent func(transcript.Intent)
}

func NewConversation(f transcript.Fetcher, opts Options, trOpts ...transcript.Option) *Conversation {
	c := &Conversation{opts: opts, menu: chat.MenuAll, log: opts.Logger}
	c.tr = transcript.New(f, append([]transcript.Option{transcript.WithLogger(opts.Logger)}, trOpts...)...)
	c.ch = live.New(opts.liveOptions(c.onFrame))
	return c
}

func (c *Conversation) Transcript() *transcript.Transcript { return c.tr }

func (c *Conversation) Channel() *live.Client { return c.ch }

func (c *Conversation) onFrame(f live.Frame) {
	if !f.JSON {
		c.log.Debug().Str("frame", f.Text()).Msg("ignoring non-JSON conversation frame")
		return
	}
	intent, ok := c.tr.ApplyFrame(f.Data)
	if !ok {
		return
	}
	if c.OnIntent != nil {
		c.OnIntent(intent)
	}
	c.opts.changed()
}

// Open switches to userID. The channel is subscribed before history is
// fetched so nothing pushed during the fetch is lost.
func (c *Conversation) Open(ctx context.Context, userID string) (transcript.Intent, error) {
	if strings.TrimSpace(c.opts.Owner) == "" {
		return transcript.Intent{}, ErrNoOwner
	}
	c.tr.Select(userID)
	if err := c.ch.SetScope(live.ConversationScope(c.opts.Owner, userID, string(c.menu))); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("conversation channel not opened")
	}
	return c.tr.Reload(ctx)
}

// SetMenu records the list filter. An open conversation's channel is
// re-established under the new filter; the transcript is kept.
func (c *Conversation) SetMenu(menu chat.MenuType) error {
	c.menu = menu
	userID := c.tr.Snapshot().UserID
	if userID == "" || strings.TrimSpace(c.opts.Owner) == "" {
		return nil
	}
	return c.ch.SetScope(live.ConversationScope(c.opts.Owner, userID, string(menu)))
}

// Close tears the channel down and clears the transcript.
func (c *Conversation) Close() {
	c.ch.Disconnect()
	c.tr.Close()
}
