// Package transcript reconciles one conversation's paginated history with
// live message events and tracks the scroll state the view needs.
package transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/metrics"
)

const (
	DefaultPageSize = 10

	LoadErrorMessage = "Failed to load chat messages. Please check your connection."
)

type Fetcher interface {
	FetchHistory(ctx context.Context, userID string, offset, limit int) (chat.HistoryPage, error)
}

type ScrollAction int

const (
	ScrollNone ScrollAction = iota
	// ScrollToBottom lands the view on the newest message.
	ScrollToBottom
	// PreserveAnchor keeps previously visible content still after a
	// prepend; see AnchoredScrollTop.
	PreserveAnchor
)

// Intent tells the view how to move after a change.
type Intent struct {
	Action    ScrollAction
	Prepended int
}

type Snapshot struct {
	UserID             string
	Messages           []chat.Message
	Offset             int
	HasMore            bool
	Loading            bool
	Err                string
	InitialLoad        bool
	ProgrammaticScroll bool
	AtBottom           bool
}

// Transcript holds one conversation in non-decreasing createdAt order with
// at most one message per id.
type Transcript struct {
	fetcher Fetcher
	limit   int
	log     zerolog.Logger
	now     func() time.Time

	mu           sync.Mutex
	userID       string
	messages     []chat.Message
	offset       int
	hasMore      bool
	loading      bool
	err          string
	initialLoad  bool
	programmatic bool
	atBottom     bool
	gen          uint64
}

type Option func(*Transcript)

func WithPageSize(n int) Option {
	return func(t *Transcript) {
		if n > 0 {
			t.limit = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transcript) { t.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(t *Transcript) { t.now = now }
}

func New(f Fetcher, opts ...Option) *Transcript {
	t := &Transcript{
		fetcher:     f,
		limit:       DefaultPageSize,
		log:         zerolog.Nop(),
		now:         time.Now,
		hasMore:     true,
		initialLoad: true,
		atBottom:    true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transcript) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		UserID:             t.userID,
		Messages:           append([]chat.Message(nil), t.messages...),
		Offset:             t.offset,
		HasMore:            t.hasMore,
		Loading:            t.loading,
		Err:                t.err,
		InitialLoad:        t.initialLoad,
		ProgrammaticScroll: t.programmatic,
		AtBottom:           t.atBottom,
	}
}

func (t *Transcript) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Open clears any previous conversation and loads the newest page of
// userID's history.
func (t *Transcript) Open(ctx context.Context, userID string) (Intent, error) {
	t.Select(userID)
	return t.Reload(ctx)
}

// Select switches to userID without fetching. Live events for the new
// conversation are accepted from this point on.
func (t *Transcript) Select(userID string) {
	t.mu.Lock()
	t.resetLocked()
	t.userID = userID
	t.mu.Unlock()
	t.log.Debug().Str("user_id", userID).Msg("conversation opened")
}

// Reload fetches the newest page again, merges it into what is held and
// rewinds the history cursor to the second page.
func (t *Transcript) Reload(ctx context.Context) (Intent, error) {
	return t.load(ctx, 0, true)
}

// Close drops everything held for the current conversation.
func (t *Transcript) Close() {
	t.mu.Lock()
	t.resetLocked()
	t.mu.Unlock()
}

func (t *Transcript) resetLocked() {
	t.gen++
	t.userID = ""
	t.messages = nil
	t.offset = 0
	t.hasMore = true
	t.loading = false
	t.err = ""
	t.initialLoad = true
	t.programmatic = false
	t.atBottom = true
}

// LoadOlder prepends the next page of history.
func (t *Transcript) LoadOlder(ctx context.Context) (Intent, error) {
	t.mu.Lock()
	ready := t.userID != "" && t.hasMore && !t.loading
	offset := t.offset
	t.mu.Unlock()
	if !ready {
		return Intent{}, nil
	}
	return t.load(ctx, offset, false)
}

func (t *Transcript) load(ctx context.Context, offset int, reset bool) (Intent, error) {
	t.mu.Lock()
	if t.loading || t.userID == "" {
		t.mu.Unlock()
		return Intent{}, nil
	}
	t.loading = true
	t.err = ""
	gen, userID, limit := t.gen, t.userID, t.limit
	t.mu.Unlock()

	page, err := t.fetcher.FetchHistory(ctx, userID, offset, limit)

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		t.log.Debug().Str("user_id", userID).Msg("discarding history for closed conversation")
		return Intent{}, nil
	}
	t.loading = false
	if err != nil {
		t.err = LoadErrorMessage
		t.log.Warn().Err(err).Str("user_id", userID).Int("offset", offset).Msg("error fetching chat messages")
		return Intent{}, err
	}
	if len(page.Messages) == 0 {
		t.hasMore = false
		return Intent{}, nil
	}
	t.hasMore = page.HasMore
	t.offset = offset + limit

	if reset {
		live := t.messages
		t.messages = nil
		t.mergeLocked(page.Messages)
		t.mergeLocked(live)
		return Intent{Action: ScrollToBottom}, nil
	}
	added := t.mergeLocked(page.Messages)
	return Intent{Action: PreserveAnchor, Prepended: added}, nil
}

// mergeLocked folds history messages in. An id already present is replaced
// only by a strictly newer version. It returns how many messages were added.
func (t *Transcript) mergeLocked(msgs []chat.Message) int {
	added := 0
	for _, m := range msgs {
		if m.MessageID != "" {
			if i := t.indexLocked(m.MessageID); i >= 0 {
				if m.Version().After(t.messages[i].Version()) {
					m.CreatedAt = t.messages[i].CreatedAt
					t.messages[i] = m
				}
				continue
			}
		}
		t.messages = append(t.messages, m)
		added++
	}
	sort.SliceStable(t.messages, func(a, b int) bool {
		return t.messages[a].CreatedAt.Before(t.messages[b].CreatedAt.Time)
	})
	return added
}

func (t *Transcript) indexLocked(id string) int {
	for i := range t.messages {
		if t.messages[i].MessageID == id {
			return i
		}
	}
	return -1
}

// ApplyLive merges a pushed message. A known id is edited in place unless
// the event is older than what is held; a new id is inserted by createdAt,
// which is an append in the usual case.
func (t *Transcript) ApplyLive(m chat.Message) Intent {
	if m.MessageID == "" {
		return Intent{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return Intent{}
	}
	metrics.LiveUpdatesApplied.WithLabelValues("conversation").Inc()

	if i := t.indexLocked(m.MessageID); i >= 0 {
		if m.Version().Before(t.messages[i].Version()) {
			t.log.Debug().Str("message_id", m.MessageID).Msg("ignoring stale message event")
			return Intent{}
		}
		m.CreatedAt = t.messages[i].CreatedAt
		t.messages[i] = m
		return Intent{}
	}

	pos := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(m.CreatedAt.Time)
	})
	t.messages = append(t.messages, chat.Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = m

	if pos == len(t.messages)-1 && t.atBottom {
		return Intent{Action: ScrollToBottom}
	}
	return Intent{}
}

// ApplyFrame decodes a raw conversation event and applies it.
func (t *Transcript) ApplyFrame(raw []byte) (Intent, bool) {
	m, ok := chat.DecodeMessageEvent(raw, t.now())
	if !ok {
		t.log.Debug().Msg("message event does not match expected structure")
		return Intent{}, false
	}
	return t.ApplyLive(m), true
}

// ShouldLoadOlder reports whether a scroll to scrollTop should fetch older
// history: only at the very top, never during the initial load or a
// programmatic scroll.
func (t *Transcript) ShouldLoadOlder(scrollTop int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return scrollTop == 0 &&
		t.userID != "" &&
		!t.loading &&
		t.hasMore &&
		!t.initialLoad &&
		!t.programmatic
}

// AnchoredScrollTop compensates a prepend: content added above the viewport
// moves the scroll offset down by the same height.
func AnchoredScrollTop(prevHeight, newHeight, scrollTop int) int {
	if prevHeight <= 0 {
		return scrollTop
	}
	return scrollTop + (newHeight - prevHeight)
}

// CompleteInitialLoad is called once the view has landed on the newest
// message after Open.
func (t *Transcript) CompleteInitialLoad() {
	t.mu.Lock()
	t.initialLoad = false
	t.mu.Unlock()
}

// SetProgrammaticScroll brackets scrolls started by the view itself.
func (t *Transcript) SetProgrammaticScroll(active bool) {
	t.mu.Lock()
	t.programmatic = active
	t.mu.Unlock()
}

// SetAtBottom records whether the viewer is at (or near) the newest message.
func (t *Transcript) SetAtBottom(v bool) {
	t.mu.Lock()
	t.atBottom = v
	t.mu.Unlock()
}
