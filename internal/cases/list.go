// Package cases reconciles the paginated case list with live list updates.
package cases

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/chat"
	"github.com/aofiee/chat-view/internal/metrics"
)

const (
	DefaultPageSize = 10

	LoadErrorMessage    = "Failed to load chat data. Please check your connection."
	RefreshErrorMessage = "Failed to refresh data. Please check your connection."
)

type Fetcher interface {
	FetchCases(ctx context.Context, menu chat.MenuType, offset, limit int) (chat.CasePage, error)
}

// Snapshot is a consistent copy of the list state.
type Snapshot struct {
	Menu       chat.MenuType
	Items      []chat.Summary
	Offset     int
	HasMore    bool
	Loading    bool
	Refreshing bool
	Err        string
}

// List holds the ordered summaries for one menu. At most one page load runs
// at a time; a load started for an older menu is discarded when it returns.
type List struct {
	fetcher Fetcher
	limit   int
	log     zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	menu       chat.MenuType
	items      []chat.Summary
	offset     int
	hasMore    bool
	loading    bool
	refreshing bool
	err        string
	gen        uint64
}

type Option func(*List)

func WithPageSize(n int) Option {
	return func(l *List) {
		if n > 0 {
			l.limit = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *List) { l.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(l *List) { l.now = now }
}

func New(f Fetcher, menu chat.MenuType, opts ...Option) *List {
	l := &List{
		fetcher: f,
		limit:   DefaultPageSize,
		log:     zerolog.Nop(),
		now:     time.Now,
		menu:    menu,
		hasMore: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *List) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Menu:       l.menu,
		Items:      append([]chat.Summary(nil), l.items...),
		Offset:     l.offset,
		HasMore:    l.hasMore,
		Loading:    l.loading,
		Refreshing: l.refreshing,
		Err:        l.err,
	}
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *List) Menu() chat.MenuType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.menu
}

// LoadPage fetches the page at offset. reset replaces the list, otherwise
// the page is appended. It is a no-op while another load is in flight.
func (l *List) LoadPage(ctx context.Context, offset int, reset bool) error {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return nil
	}
	l.loading = true
	l.err = ""
	gen, menu, limit := l.gen, l.menu, l.limit
	l.mu.Unlock()

	page, err := l.fetcher.FetchCases(ctx, menu, offset, limit)

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		l.log.Debug().Str("menu", string(menu)).Int("offset", offset).Msg("discarding page for previous menu")
		return nil
	}
	l.loading = false
	if err != nil {
		l.err = LoadErrorMessage
		l.log.Warn().Err(err).Str("menu", string(menu)).Int("offset", offset).Msg("error fetching chats")
		return err
	}
	if len(page.Items) == 0 {
		l.hasMore = false
		return nil
	}
	if reset {
		l.keepLiveLocked()
	}
	l.mergePageLocked(page.Items)
	l.hasMore = page.HasMore
	l.offset = offset + limit
	return nil
}

// LoadMore loads the next page when one is available and nothing is in
// flight.
func (l *List) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	ready := l.hasMore && !l.loading
	offset := l.offset
	l.mu.Unlock()
	if !ready {
		return nil
	}
	return l.LoadPage(ctx, offset, false)
}

// Refresh reloads the first page and replaces the list.
func (l *List) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.loading || l.refreshing {
		l.mu.Unlock()
		return nil
	}
	l.loading = true
	l.refreshing = true
	l.err = ""
	gen, menu, limit := l.gen, l.menu, l.limit
	l.mu.Unlock()

	page, err := l.fetcher.FetchCases(ctx, menu, 0, limit)

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return nil
	}
	l.loading = false
	l.refreshing = false
	if err != nil {
		l.err = RefreshErrorMessage
		l.log.Warn().Err(err).Str("menu", string(menu)).Msg("error refreshing data")
		return err
	}
	l.keepLiveLocked()
	l.mergePageLocked(page.Items)
	l.hasMore = page.HasMore
	l.offset = limit
	return nil
}

// SetMenu switches the list to menu and loads its first page. In-flight
// loads for the previous menu are discarded when they return.
func (l *List) SetMenu(ctx context.Context, menu chat.MenuType) error {
	l.mu.Lock()
	l.gen++
	l.menu = menu
	l.items = nil
	l.offset = 0
	l.hasMore = true
	l.err = ""
	l.loading = false
	l.refreshing = false
	l.mu.Unlock()

	return l.LoadPage(ctx, 0, true)
}

// AutoContinue keeps loading pages until at least visible entries are held
// or the backend has no more. It stops at the first error or empty page.
func (l *List) AutoContinue(ctx context.Context, visible int) error {
	for {
		l.mu.Lock()
		short := len(l.items) < visible && l.hasMore && !l.loading
		offset, before := l.offset, len(l.items)
		l.mu.Unlock()
		if !short {
			return nil
		}
		if err := l.LoadPage(ctx, offset, false); err != nil {
			return err
		}
		l.mu.Lock()
		progressed := len(l.items) > before || l.offset > offset
		l.mu.Unlock()
		if !progressed {
			return nil
		}
	}
}

// ApplyLive merges s into the entry with the same id, or creates one, and
// moves it to the front.
func (l *List) ApplyLive(s chat.Summary) {
	if s.ConversationID == "" {
		return
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := make([]chat.Summary, 1, len(l.items)+1)
	merged := s
	for _, it := range l.items {
		if it.ConversationID != s.ConversationID {
			next = append(next, it)
			continue
		}
		merged = mergeSummary(it, s)
	}
	next[0] = merged
	l.items = next
	metrics.LiveUpdatesApplied.WithLabelValues("list").Inc()
}

// ApplyFrame decodes a raw list event and applies it. Frames without the
// required fields are ignored.
func (l *List) ApplyFrame(raw []byte) bool {
	s, ok := chat.DecodeSummaryUpdate(raw, l.now())
	if !ok {
		l.log.Debug().Msg("list event does not match expected chat item structure")
		return false
	}
	l.ApplyLive(s)
	return true
}

// keepLiveLocked drops entries that came from pages. Entries created or
// touched by live updates stay at the front.
func (l *List) keepLiveLocked() {
	kept := l.items[:0:0]
	for _, it := range l.items {
		if !it.UpdatedAt.IsZero() {
			kept = append(kept, it)
		}
	}
	l.items = kept
}

// mergePageLocked appends page entries. An id already present is skipped so
// a live update that arrived first keeps its position and content.
func (l *List) mergePageLocked(page []chat.ChatItem) {
	seen := make(map[string]struct{}, len(l.items)+len(page))
	for _, it := range l.items {
		seen[it.ConversationID] = struct{}{}
	}
	for _, item := range page {
		s := chat.SummaryFromItem(item)
		if s.ConversationID == "" {
			l.items = append(l.items, s)
			continue
		}
		if _, dup := seen[s.ConversationID]; dup {
			continue
		}
		seen[s.ConversationID] = struct{}{}
		l.items = append(l.items, s)
	}
}

func mergeSummary(prev, update chat.Summary) chat.Summary {
	out := prev
	out.UpdatedAt = update.UpdatedAt
	if update.Name != "" {
		out.Name = update.Name
	}
	if update.Photo != "" {
		out.Photo = update.Photo
	}
	if update.Preview != "" {
		out.Preview = update.Preview
	}
	return out
}
