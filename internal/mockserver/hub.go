package mockserver

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/aofiee/chat-view/internal/chat"
)

func listTopic(menu chat.MenuType) string { return "case|" + string(menu) }

func conversationTopic(userID string) string { return "individual|" + userID }

type queryer interface {
	Query(key string, defaultValue ...string) string
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans frames out to the subscribers of a topic.
type hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func newHub(log zerolog.Logger) *hub {
	return &hub{log: log, subs: map[string]map[*subscriber]struct{}{}}
}

func (h *hub) add(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[*subscriber]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
}

func (h *hub) remove(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[topic][sub]; !ok {
		return
	}
	delete(h.subs[topic], sub)
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
	close(sub.send)
}

// count reports how many connections listen on topic.
func (h *hub) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// publish drops the frame for subscribers whose buffer is full.
func (h *hub) publish(topic string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[topic] {
		select {
		case sub.send <- data:
		default:
			h.log.Warn().Str("topic", topic).Msg("subscriber too slow, dropping frame")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for sub := range subs {
			_ = sub.conn.Close()
		}
	}
}

func (h *hub) handler(topicOf func(queryer) (string, error)) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		topic, err := topicOf(c)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = c.WriteMessage(websocket.CloseMessage, msg)
			return
		}
		sub := &subscriber{conn: c, send: make(chan []byte, 16)}
		h.add(topic, sub)
		h.log.Debug().Str("topic", topic).Msg("websocket subscribed")

		// the conn is released when this handler returns, so the writer
		// must be gone first
		written := make(chan struct{})
		go func() {
			defer close(written)
			for data := range sub.send {
				_ = c.WriteMessage(websocket.TextMessage, data)
			}
		}()
		defer func() {
			h.remove(topic, sub)
			<-written
		}()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				h.log.Debug().Str("topic", topic).Err(err).Msg("websocket closed")
				return
			}
		}
	})
}

func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
