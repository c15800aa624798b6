package mockserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/aofiee/chat-view/internal/chat"
)

const seedMessages = 12

var visitorLines = []string{
	"Hi, I need help with my order",
	"It still has not arrived",
	"Can you check the tracking number?",
	"Thanks, that helps",
	"Is there a refund option?",
	"I was charged twice",
}

func intPtr(v int) *int { return &v }

func newMessageID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// seed creates n conversations. Every conversation is in "all", every other
// one is assigned to the operator, and every third is finished.
func (s *Server) seed(n int) {
	base := s.opts.Now().UTC().Add(-time.Duration(n*seedMessages) * time.Minute)
	for i := 0; i < n; i++ {
		userID := uuid.NewString()
		name := fmt.Sprintf("Visitor %02d", i+1)
		conv := &conversation{
			item: chat.ChatItem{
				ID:     userID,
				UserID: userID,
				Name:   name,
				Photo:  fmt.Sprintf("https://avatars.example.com/%d.png", i+1),
			},
			menus: map[chat.MenuType]bool{chat.MenuAll: true},
		}
		if i%2 == 0 {
			conv.menus[chat.MenuMine] = true
		}
		if i%3 == 0 {
			conv.menus[chat.MenuFinished] = true
		}
		for j := 0; j < seedMessages; j++ {
			at := base.Add(time.Duration(i*seedMessages+j) * time.Minute)
			m := chat.Message{
				MessageID: newMessageID(at),
				UserID:    userID,
				Name:      name,
				Photo:     conv.item.Photo,
				Type:      "0",
				IsActive:  true,
				CreatedAt: chat.Timestamp{Time: at},
				UpdatedAt: chat.Timestamp{Time: at},
			}
			if j%2 == 0 {
				m.Message = visitorLines[(i+j)%len(visitorLines)]
				m.CreatedBy = intPtr(1)
			} else {
				m.Message = fmt.Sprintf("Let me look into that for you (%d)", j)
				m.CreatedBy = intPtr(0)
			}
			m.Content = chat.SingleContent(chat.Content{Type: chat.ContentText, Text: m.Message})
			conv.messages = append(conv.messages, m)
		}
		conv.item.Message = conv.messages[len(conv.messages)-1].Message
		s.convs[userID] = conv
		// later seeds are more recent
		s.order = append([]string{userID}, s.order...)
	}
}

// ConversationIDs returns the ids in list order, most recent first.
func (s *Server) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

type pageRequest struct {
	UserID string `json:"userId"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

func (r *pageRequest) normalize() {
	if r.Offset < 0 {
		r.Offset = 0
	}
	if r.Limit <= 0 {
		r.Limit = 10
	}
}

func (s *Server) handleCases(c *fiber.Ctx) error {
	menu, err := chat.ParseMenu(c.Params("menu"))
	if err != nil {
		return fail(c, fiber.StatusNotFound, err.Error())
	}
	var req pageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}
	req.normalize()

	s.mu.Lock()
	var matching []chat.ChatItem
	for _, id := range s.order {
		if conv := s.convs[id]; conv.menus[menu] {
			matching = append(matching, conv.item)
		}
	}
	s.mu.Unlock()

	items := []chat.ChatItem{}
	if req.Offset < len(matching) {
		end := min(req.Offset+req.Limit, len(matching))
		items = matching[req.Offset:end]
	}
	return c.JSON(chat.CasePage{Items: items, HasMore: req.Offset+req.Limit < len(matching)})
}

// handleHistory pages from the newest message backwards; each page is
// returned oldest first.
func (s *Server) handleHistory(c *fiber.Ctx) error {
	var req pageRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		return fail(c, fiber.StatusBadRequest, "userId is required")
	}
	req.normalize()

	s.mu.Lock()
	conv := s.convs[req.UserID]
	var msgs []chat.Message
	if conv != nil {
		msgs = append(msgs, conv.messages...)
	}
	s.mu.Unlock()
	if conv == nil {
		return fail(c, fiber.StatusNotFound, "conversation not found")
	}

	page := chat.HistoryPage{Messages: []chat.Message{}}
	if end := len(msgs) - req.Offset; end > 0 {
		start := max(end-req.Limit, 0)
		page.Messages = msgs[start:end]
		page.HasMore = start > 0
	}
	return c.JSON(fiber.Map{
		"status":      fiber.Map{"code": fiber.StatusOK, "message": []string{}},
		"data":        page.Messages,
		"hasMoreChat": page.HasMore,
	})
}

// InjectRequest adds a message to a conversation, or edits one when
// MessageID names an existing message.
type InjectRequest struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
	CreatedBy *int   `json:"createdBy,omitempty"`
}

func (s *Server) handleInject(c *fiber.Ctx) error {
	var req InjectRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.UserID) == "" || req.Text == "" {
		return fail(c, fiber.StatusBadRequest, "userId and text are required")
	}
	msg, err := s.Inject(req)
	if err != nil {
		return fail(c, fiber.StatusNotFound, err.Error())
	}
	return ok(c, msg)
}

// Inject applies req and pushes the result to both channels.
func (s *Server) Inject(req InjectRequest) (chat.Message, error) {
	now := s.opts.Now().UTC()

	s.mu.Lock()
	conv := s.convs[req.UserID]
	if conv == nil {
		if req.MessageID != "" {
			s.mu.Unlock()
			return chat.Message{}, fmt.Errorf("conversation %s not found", req.UserID)
		}
		name := req.Name
		if name == "" {
			name = "New Visitor"
		}
		conv = &conversation{
			item: chat.ChatItem{
				ID:     req.UserID,
				UserID: req.UserID,
				Name:   name,
				Photo:  "https://avatars.example.com/new.png",
			},
			menus: map[chat.MenuType]bool{chat.MenuAll: true, chat.MenuMine: true},
		}
		s.convs[req.UserID] = conv
	}

	var msg chat.Message
	edited := false
	if req.MessageID != "" {
		for i := range conv.messages {
			if conv.messages[i].MessageID == req.MessageID {
				conv.messages[i].Message = req.Text
				conv.messages[i].Content = chat.SingleContent(chat.Content{Type: chat.ContentText, Text: req.Text})
				conv.messages[i].UpdatedAt = chat.Timestamp{Time: now}
				msg = conv.messages[i]
				edited = true
				break
			}
		}
		if !edited {
			s.mu.Unlock()
			return chat.Message{}, fmt.Errorf("message %s not found", req.MessageID)
		}
	} else {
		createdBy := req.CreatedBy
		if createdBy == nil {
			createdBy = intPtr(1)
		}
		msg = chat.Message{
			MessageID: newMessageID(now),
			UserID:    req.UserID,
			Name:      conv.item.Name,
			Photo:     conv.item.Photo,
			Type:      "0",
			Message:   req.Text,
			Content:   chat.SingleContent(chat.Content{Type: chat.ContentText, Text: req.Text}),
			IsActive:  true,
			CreatedBy: createdBy,
			CreatedAt: chat.Timestamp{Time: now},
			UpdatedAt: chat.Timestamp{Time: now},
		}
		conv.messages = append(conv.messages, msg)
		conv.item.Message = req.Text
		s.moveToFrontLocked(req.UserID)
	}
	item := conv.item
	var menus []chat.MenuType
	for _, m := range chat.Menus {
		if conv.menus[m] {
			menus = append(menus, m)
		}
	}
	s.mu.Unlock()

	if raw, err := json.Marshal(msg); err == nil {
		s.hub.publish(conversationTopic(req.UserID), raw)
	}
	if !edited {
		update := map[string]any{
			"userId":    item.UserID,
			"name":      item.Name,
			"photo":     item.Photo,
			"message":   item.Message,
			"content":   msg.Content,
			"createdAt": msg.CreatedAt,
			"updatedAt": msg.UpdatedAt,
		}
		if raw, err := json.Marshal(update); err == nil {
			for _, m := range menus {
				s.hub.publish(listTopic(m), raw)
			}
		}
	}
	s.log.Debug().Str("user_id", req.UserID).Str("message_id", msg.MessageID).Bool("edit", edited).Msg("mock message injected")
	return msg, nil
}

func (s *Server) moveToFrontLocked(id string) {
	next := make([]string, 1, len(s.order)+1)
	next[0] = id
	for _, other := range s.order {
		if other != id {
			next = append(next, other)
		}
	}
	s.order = next
}
