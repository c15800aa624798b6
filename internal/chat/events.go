package chat

import (
	"encoding/json"
	"strings"
	"time"
)

type listEvent struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Photo     string    `json:"photo"`
	Message   string    `json:"message"`
	Content   Contents  `json:"content"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

// DecodeSummaryUpdate converts a list-channel frame into a summary. Frames
// without a user id, name and photo do not describe a conversation and are
// rejected.
func DecodeSummaryUpdate(raw []byte, now time.Time) (Summary, bool) {
	var ev listEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Summary{}, false
	}
	if strings.TrimSpace(ev.UserID) == "" || ev.Name == "" || ev.Photo == "" {
		return Summary{}, false
	}
	preview := ev.Message
	if c, ok := ev.Content.Primary(); ok && c.Text != "" {
		preview = c.Text
	}
	updated := ev.UpdatedAt.Time
	if updated.IsZero() {
		updated = ev.CreatedAt.Time
	}
	if updated.IsZero() {
		updated = now.UTC()
	}
	return Summary{
		ConversationID: strings.TrimSpace(ev.UserID),
		Name:           ev.Name,
		Photo:          ev.Photo,
		Preview:        preview,
		UpdatedAt:      updated,
	}, true
}

// DecodeMessageEvent converts a conversation-channel frame into a message,
// filling the defaults the history endpoint would have supplied. Frames
// without a message id, user id and name are rejected.
func DecodeMessageEvent(raw []byte, now time.Time) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	if strings.TrimSpace(msg.MessageID) == "" || strings.TrimSpace(msg.UserID) == "" || msg.Name == "" {
		return Message{}, false
	}
	if msg.Type == "" {
		msg.Type = "0"
	}
	if len(msg.Content.Items) == 0 {
		msg.Content = SingleContent(Content{Type: ContentText, Text: msg.Message})
	}
	ts := now.UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = Timestamp{ts}
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = Timestamp{ts}
	}
	return msg, true
}
