// Package chat holds the support-console domain types shared by the API
// client, the reconcilers and the mock backend.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type MenuType string

const (
	MenuAll      MenuType = "all"
	MenuMine     MenuType = "me"
	MenuFinished MenuType = "finished"
)

var Menus = []MenuType{MenuAll, MenuMine, MenuFinished}

func ParseMenu(raw string) (MenuType, error) {
	switch MenuType(strings.ToLower(strings.TrimSpace(raw))) {
	case MenuAll, "":
		return MenuAll, nil
	case MenuMine, "mine":
		return MenuMine, nil
	case MenuFinished:
		return MenuFinished, nil
	default:
		return "", fmt.Errorf("invalid menu %q, expected all|me|finished", raw)
	}
}

func (m MenuType) Title() string {
	switch m {
	case MenuMine:
		return "My Cases"
	case MenuFinished:
		return "Finished Cases"
	case MenuAll:
		return "All Cases"
	default:
		return "Cases"
	}
}

// ChatItem is one row of a case list page as the backend sends it.
type ChatItem struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Photo   string `json:"photo"`
	UserID  string `json:"userId,omitempty"`
}

// ConversationID is the identity key of a list entry. The backend keys
// conversations by the visitor's user id; older payloads only carry id.
func (c ChatItem) ConversationID() string {
	if s := strings.TrimSpace(c.UserID); s != "" {
		return s
	}
	return strings.TrimSpace(c.ID)
}

// CasePage is one page of a case list.
type CasePage struct {
	Items   []ChatItem `json:"data"`
	HasMore bool       `json:"hasMoreChat"`
}

// HistoryPage is one page of a conversation's history, oldest first.
type HistoryPage struct {
	Messages []Message `json:"data"`
	HasMore  bool      `json:"hasMoreChat"`
}

// Summary is a reconciled conversation-list entry.
type Summary struct {
	ConversationID string    `json:"conversationId"`
	Name           string    `json:"name"`
	Photo          string    `json:"photo"`
	Preview        string    `json:"preview"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

func SummaryFromItem(item ChatItem) Summary {
	return Summary{
		ConversationID: item.ConversationID(),
		Name:           item.Name,
		Photo:          item.Photo,
		Preview:        item.Message,
	}
}

// Timestamp decodes the backend's RFC3339 strings. Empty strings and null
// decode to the zero time instead of failing the whole page.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, ok := ParseTime(raw)
	if !ok && strings.TrimSpace(raw) != "" {
		return fmt.Errorf("timestamp: unsupported format %q", raw)
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t.UTC(), true
	}
	t, err = time.Parse(time.RFC3339, raw)
	if err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

// Authorship says which side of the conversation produced a message.
type Authorship int

const (
	AuthorSystem Authorship = iota
	AuthorOperator
	AuthorVisitor
)

// AuthorshipOf maps the wire createdBy marker: absent or null is unknown,
// 0 is the operator, anything else is the visitor.
func AuthorshipOf(createdBy *int) Authorship {
	switch {
	case createdBy == nil:
		return AuthorSystem
	case *createdBy == 0:
		return AuthorOperator
	default:
		return AuthorVisitor
	}
}

func (a Authorship) String() string {
	switch a {
	case AuthorOperator:
		return "operator"
	case AuthorVisitor:
		return "visitor"
	default:
		return "system"
	}
}

// Message is one transcript entry.
type Message struct {
	MessageID   string    `json:"messageId"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Photo       string    `json:"photo"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Content     Contents  `json:"content"`
	IsPinned    bool      `json:"isPinned"`
	IsActive    bool      `json:"isActive"`
	IsUserBlock bool      `json:"isUserBlock"`
	CreatedBy   *int      `json:"createdBy"`
	CreatedAt   Timestamp `json:"createdAt"`
	UpdatedAt   Timestamp `json:"updatedAt"`
}

func (m Message) Author() Authorship {
	return AuthorshipOf(m.CreatedBy)
}

// Version is the time used to decide which of two copies of the same
// message is newer.
func (m Message) Version() time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt.Time
	}
	return m.CreatedAt.Time
}

// Text is a one-line rendering of the message body.
func (m Message) Text() string {
	if c, ok := m.Content.Primary(); ok {
		if s := c.Summary(); s != "" {
			return s
		}
	}
	return CompactText(m.Message)
}

// CompactText flattens whitespace and truncates long bodies to 220 runes
// for one-line output.
func CompactText(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return "(non-text message)"
	}
	t = strings.ReplaceAll(t, "\r\n", " ")
	t = strings.ReplaceAll(t, "\n", " ")
	t = strings.ReplaceAll(t, "\t", " ")
	if utf8.RuneCountInString(t) > 220 {
		r := []rune(t)
		return string(r[:217]) + "..."
	}
	return t
}
